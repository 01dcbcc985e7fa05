package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// secretPayload is the JSON envelope some parameters are stored in.
type secretPayload struct {
	Token string `json:"token"`
	Value string `json:"value"`
}

// Client resolves credentials stored as SSM parameters under a common prefix.
type Client struct {
	api    ssmAPI
	prefix string
}

// New creates a Client for parameters named "<prefix>/<name>".
func New(api ssmAPI, prefix string) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("paramstore: parameter prefix must not be empty")
	}
	return &Client{api: api, prefix: prefix}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// Secret reads "<prefix>/<name>". A value shaped {"token":"..."} or
// {"value":"..."} is unwrapped; anything else, including other JSON documents
// such as service-account keys, is returned as stored.
func (c *Client) Secret(ctx context.Context, name string) (string, error) {
	raw, err := c.GetParameter(ctx, c.prefix+"/"+strings.TrimLeft(name, "/"))
	if err != nil {
		return "", err
	}
	raw = strings.TrimSpace(raw)
	var p secretPayload
	if strings.HasPrefix(raw, "{") && json.Unmarshal([]byte(raw), &p) == nil {
		switch {
		case p.Token != "":
			return p.Token, nil
		case p.Value != "":
			return p.Value, nil
		}
	}
	if raw == "" {
		return "", fmt.Errorf("paramstore: secret %q is empty", name)
	}
	return raw, nil
}

// Resolve returns current when it is set, otherwise the named secret.
func (c *Client) Resolve(ctx context.Context, current, name string) (string, error) {
	if strings.TrimSpace(current) != "" {
		return current, nil
	}
	return c.Secret(ctx, name)
}

// Loader returns a func that fetches the named secret on demand.
func (c *Client) Loader(name string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return c.Secret(ctx, name)
	}
}
