package forward

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lead-relay/internal/domain"
)

const DefaultLeadSubject = "relay.lead.qualified"

type Publisher interface {
	Publish(subject string, data any) error
}

// LeadEvent is the JSON document published for each qualified lead.
type LeadEvent struct {
	ThreadID    string      `json:"thread_id"`
	Lead        domain.Lead `json:"lead"`
	Transcript  string      `json:"transcript"`
	Messages    int         `json:"messages"`
	QualifiedAt time.Time   `json:"qualified_at"`
}

// Event publishes qualified leads on a message bus subject.
type Event struct {
	pub     Publisher
	subject string
}

func NewEvent(pub Publisher, subject string) (*Event, error) {
	if pub == nil {
		return nil, errors.New("forward: event publisher must not be nil")
	}
	if subject = strings.TrimSpace(subject); subject == "" {
		subject = DefaultLeadSubject
	}
	return &Event{pub: pub, subject: subject}, nil
}

func (e *Event) Forward(ctx context.Context, h domain.Handoff) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("forward: event: %w", err)
	}
	ev := LeadEvent{
		ThreadID:    h.ThreadID,
		Lead:        h.Lead,
		Transcript:  h.TranscriptText(),
		Messages:    len(h.Transcript),
		QualifiedAt: h.QualifiedAt.UTC(),
	}
	if err := e.pub.Publish(e.subject, ev); err != nil {
		return fmt.Errorf("forward: event: %w", err)
	}
	return nil
}
