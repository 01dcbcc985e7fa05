package forward

import (
	"context"
	"errors"
	"fmt"

	"lead-relay/internal/domain"
)

type LeadSaver interface {
	SaveLead(ctx context.Context, h domain.Handoff) error
}

// Ledger stores each handoff as a table item.
type Ledger struct {
	store LeadSaver
}

func NewLedger(store LeadSaver) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("forward: ledger store must not be nil")
	}
	return &Ledger{store: store}, nil
}

func (l *Ledger) Forward(ctx context.Context, h domain.Handoff) error {
	if err := l.store.SaveLead(ctx, h); err != nil {
		return fmt.Errorf("forward: ledger: %w", err)
	}
	return nil
}
