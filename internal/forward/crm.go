package forward

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lead-relay/internal/domain"
)

const (
	contactsModule = "Contacts"
	notesModule    = "Notes"
	leadSource     = "Chatbot"
)

// RecordCreator inserts one record into a CRM module and returns its id.
type RecordCreator interface {
	CreateRecord(ctx context.Context, module string, fields map[string]any) (string, error)
}

// CRM creates a contact for the lead and attaches the transcript as a note.
type CRM struct {
	records RecordCreator
}

func NewCRM(records RecordCreator) (*CRM, error) {
	if records == nil {
		return nil, errors.New("forward: crm record creator must not be nil")
	}
	return &CRM{records: records}, nil
}

// Forward needs a valid email. A failed note leaves the contact in place.
func (c *CRM) Forward(ctx context.Context, h domain.Handoff) error {
	if !h.Lead.HasEmail() {
		return ErrMissingEmail
	}
	email := strings.TrimSpace(h.Lead.Email)

	contact := map[string]any{
		"Email":       email,
		"Last_Name":   h.Lead.EmailLocalPart(),
		"Lead_Source": leadSource,
	}
	if phone := strings.TrimSpace(h.Lead.Phone); phone != "" && phone != domain.NotProvided {
		contact["Phone"] = phone
	}
	contactID, err := c.records.CreateRecord(ctx, contactsModule, contact)
	if err != nil {
		return fmt.Errorf("forward: crm contact: %w", err)
	}

	note := map[string]any{
		"Note_Title":   "Chatbot Transcript - " + h.QualifiedAt.Format("2006-01-02"),
		"Note_Content": h.TranscriptText(),
		"Parent_Id":    contactID,
		"se_module":    contactsModule,
	}
	if _, err := c.records.CreateRecord(ctx, notesModule, note); err != nil {
		return fmt.Errorf("forward: crm note for contact %s: %w", contactID, err)
	}
	return nil
}
