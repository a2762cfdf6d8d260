package events

// Topic constants for domain events emitted by the platform.
const (
	TopicPurchaseCreated   = "purchase.created"
	TopicPurchaseCompleted = "purchase.completed"
	TopicPurchaseFailed    = "purchase.failed"
	TopicPurchaseRefunded  = "purchase.refunded"
)

// DefaultTopics returns the canonical list of topics that fan out to
// downstream dispatchers.
func DefaultTopics() []string {
	return []string{
		TopicPurchaseCreated,
		TopicPurchaseCompleted,
		TopicPurchaseFailed,
		TopicPurchaseRefunded,
	}
}
