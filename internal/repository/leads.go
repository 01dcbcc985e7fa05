package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"lead-relay/internal/domain"
)

const (
	pkPrefixThread = "THREAD#"
	skPrefixLead   = "LEAD#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Client records qualified leads in a DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// threadPK returns the partition key for a conversation thread.
func threadPK(threadID string) string {
	return pkPrefixThread + threadID
}

// leadSK returns the sort key for a lead captured at ts.
func leadSK(ts time.Time) string {
	return skPrefixLead + ts.UTC().Format(time.RFC3339Nano)
}

// SaveLead writes one lead record. The same thread qualifying twice at the same
// instant is rejected rather than overwritten.
func (c *Client) SaveLead(ctx context.Context, h domain.Handoff) error {
	if strings.TrimSpace(h.ThreadID) == "" {
		return errors.New("repository: SaveLead: thread id is required")
	}
	at := h.QualifiedAt
	if at.IsZero() {
		at = time.Now()
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                leadItem(h, at),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveLead: %w", err)
	}
	return nil
}

func leadItem(h domain.Handoff, at time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: threadPK(h.ThreadID)},
		"SK":          &types.AttributeValueMemberS{Value: leadSK(at)},
		"threadId":    &types.AttributeValueMemberS{Value: h.ThreadID},
		"name":        &types.AttributeValueMemberS{Value: h.Lead.Name},
		"company":     &types.AttributeValueMemberS{Value: h.Lead.Company},
		"email":       &types.AttributeValueMemberS{Value: h.Lead.Email},
		"phone":       &types.AttributeValueMemberS{Value: h.Lead.Phone},
		"transcript":  &types.AttributeValueMemberS{Value: h.TranscriptText()},
		"messages":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", len(h.Transcript))},
		"qualifiedAt": &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339)},
	}
}
