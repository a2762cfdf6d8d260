package reconcile

import (
	"strings"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/gateway"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/purchase"
)

// MapStatus translates a normalised gateway status into the internal purchase
// vocabulary. ok=false means the notification carries no actionable status
// and must be acknowledged without a transition.
func MapStatus(status string) (purchase.Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case gateway.StatusCompleted:
		return purchase.StatusCompleted, true
	case gateway.StatusFailed:
		return purchase.StatusFailed, true
	case gateway.StatusRefunded:
		return purchase.StatusRefunded, true
	default:
		// PENDING included: a pending notification never moves a purchase.
		return purchase.StatusPending, false
	}
}
