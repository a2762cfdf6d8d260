package purchase

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/money"
	"github.com/muhammadnuman-eng/ftm-checkout/internal/obs"
)

// ErrUnresolvableProgram is returned when no resolution strategy matched.
var ErrUnresolvableProgram = errors.New("purchase: unresolvable program")

// Program is externally-owned catalog data looked up by the resolver.
type Program struct {
	ID          uuid.UUID
	Name        string
	Category    string
	AccountSize string
	Platform    string
	Price       money.Amount
	Currency    money.Currency
	Active      bool
}

// ProgramSource is the read-only catalog boundary the resolver depends on.
type ProgramSource interface {
	GetProgramByProduct(ctx context.Context, productCode, accountSize string) (Program, error)
	GetProgramByName(ctx context.Context, name string) (Program, error)
	ListActivePrograms(ctx context.Context, category, accountSize string) ([]Program, error)
}

// ResolveInput carries the identifying hints a checkout request may provide.
type ResolveInput struct {
	ProductCode string
	ProgramName string
	Category    string
	AccountSize string
}

// Resolver resolves a program through an explicit ordered strategy chain:
// explicit product/tier mapping, exact name match, first active program in
// the same category+tier, then any active program. Keeping the chain as data
// keeps the tie-break policy visible and testable in isolation.
type Resolver struct {
	Source ProgramSource
	Logger zerolog.Logger
}

type resolveStrategy struct {
	name string
	fn   func(ctx context.Context, in ResolveInput) (*Program, error)
}

func (r Resolver) strategies() []resolveStrategy {
	return []resolveStrategy{
		{"product_mapping", r.byProduct},
		{"exact_name", r.byName},
		{"category_tier", r.byCategoryTier},
		{"any_active", r.anyActive},
	}
}

// Resolve runs the strategy chain and returns the first hit. Failure is
// counted and logged but reported as a plain error so batch callers can skip
// the record rather than abort.
func (r Resolver) Resolve(ctx context.Context, in ResolveInput) (Program, error) {
	for i, s := range r.strategies() {
		p, err := s.fn(ctx, in)
		if err != nil {
			return Program{}, err
		}
		if p == nil {
			continue
		}
		if i > 0 {
			if obs.ProgramResolutionFallbacks != nil {
				obs.ProgramResolutionFallbacks.WithLabelValues(s.name).Inc()
			}
			r.Logger.Warn().
				Str("strategy", s.name).
				Str("product_code", in.ProductCode).
				Str("program_name", in.ProgramName).
				Str("account_size", in.AccountSize).
				Str("resolved_program", p.Name).
				Msg("program_resolved_by_fallback")
		}
		return *p, nil
	}
	if obs.UnresolvableProgramTotal != nil {
		obs.UnresolvableProgramTotal.Inc()
	}
	r.Logger.Error().
		Str("product_code", in.ProductCode).
		Str("program_name", in.ProgramName).
		Str("category", in.Category).
		Str("account_size", in.AccountSize).
		Msg("program_unresolvable")
	return Program{}, ErrUnresolvableProgram
}

func (r Resolver) byProduct(ctx context.Context, in ResolveInput) (*Program, error) {
	if strings.TrimSpace(in.ProductCode) == "" {
		return nil, nil
	}
	p, err := r.Source.GetProgramByProduct(ctx, in.ProductCode, in.AccountSize)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (r Resolver) byName(ctx context.Context, in ResolveInput) (*Program, error) {
	if strings.TrimSpace(in.ProgramName) == "" {
		return nil, nil
	}
	p, err := r.Source.GetProgramByName(ctx, in.ProgramName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (r Resolver) byCategoryTier(ctx context.Context, in ResolveInput) (*Program, error) {
	if strings.TrimSpace(in.Category) == "" || strings.TrimSpace(in.AccountSize) == "" {
		return nil, nil
	}
	programs, err := r.Source.ListActivePrograms(ctx, in.Category, in.AccountSize)
	if err != nil {
		return nil, err
	}
	if len(programs) == 0 {
		return nil, nil
	}
	return &programs[0], nil
}

func (r Resolver) anyActive(ctx context.Context, _ ResolveInput) (*Program, error) {
	programs, err := r.Source.ListActivePrograms(ctx, "", "")
	if err != nil {
		return nil, err
	}
	if len(programs) == 0 {
		return nil, nil
	}
	return &programs[0], nil
}
