package sheets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"
)

// valueInputOption lets Sheets parse timestamps and numbers as if typed by a user.
const valueInputOption = "USER_ENTERED"

// Client appends rows to a spreadsheet through the Sheets v4 API.
type Client struct {
	svc *gsheets.Service
}

// New builds a Client. Callers pass credentials as options, typically
// option.WithCredentialsJSON for a service-account key.
func New(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithScopes(gsheets.SpreadsheetsScope)}, opts...)
	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets: create service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// AppendRow appends values as a single row after the last row of rng.
func (c *Client) AppendRow(ctx context.Context, spreadsheetID, rng string, values []any) error {
	if c.svc == nil {
		return errors.New("sheets: client not initialized")
	}
	spreadsheetID = strings.TrimSpace(spreadsheetID)
	if spreadsheetID == "" {
		return errors.New("sheets: spreadsheet id is required")
	}
	if strings.TrimSpace(rng) == "" {
		return errors.New("sheets: range is required")
	}

	_, err := c.svc.Spreadsheets.Values.
		Append(spreadsheetID, rng, &gsheets.ValueRange{Values: [][]any{values}}).
		ValueInputOption(valueInputOption).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("sheets: append row to %s: %w", rng, err)
	}
	return nil
}
