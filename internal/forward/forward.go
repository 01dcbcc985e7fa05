// Package forward hands lead-qualified conversations to the record-keeping
// system the relay is configured with.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"lead-relay/internal/domain"
)

// ErrSkipped marks a handoff the forwarder deliberately did not deliver.
var ErrSkipped = errors.New("forward: skipped")

// ErrMissingEmail is returned by forwarders that key records on the lead's email.
var ErrMissingEmail = fmt.Errorf("%w: lead has no usable email", ErrSkipped)

// Noop logs the handoff and drops it.
type Noop struct {
	logger *slog.Logger
}

func NewNoop(logger *slog.Logger) *Noop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Noop{logger: logger}
}

func (n *Noop) Forward(_ context.Context, h domain.Handoff) error {
	n.logger.Info("no forwarder configured, dropping lead", "thread_id", h.ThreadID, "has_email", h.Lead.HasEmail())
	return nil
}
