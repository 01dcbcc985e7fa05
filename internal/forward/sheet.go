package forward

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lead-relay/internal/domain"
)

const DefaultSheetRange = "Sheet1!A:G"

type RowAppender interface {
	AppendRow(ctx context.Context, spreadsheetID, rng string, values []any) error
}

// Sheet appends one row per lead:
// timestamp, name, company, email, phone, transcript, thread id.
type Sheet struct {
	rows          RowAppender
	spreadsheetID string
	rng           string
}

func NewSheet(rows RowAppender, spreadsheetID, rng string) (*Sheet, error) {
	if rows == nil {
		return nil, errors.New("forward: sheet row appender must not be nil")
	}
	if strings.TrimSpace(spreadsheetID) == "" {
		return nil, errors.New("forward: spreadsheet id must not be empty")
	}
	if strings.TrimSpace(rng) == "" {
		rng = DefaultSheetRange
	}
	return &Sheet{rows: rows, spreadsheetID: spreadsheetID, rng: rng}, nil
}

func (s *Sheet) Forward(ctx context.Context, h domain.Handoff) error {
	row := []any{
		h.QualifiedAt.UTC().Format(time.RFC3339),
		h.Lead.Name,
		h.Lead.Company,
		h.Lead.Email,
		h.Lead.Phone,
		h.TranscriptText(),
		h.ThreadID,
	}
	if err := s.rows.AppendRow(ctx, s.spreadsheetID, s.rng, row); err != nil {
		return fmt.Errorf("forward: sheet: %w", err)
	}
	return nil
}
