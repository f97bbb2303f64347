// Package paramstore reads lesson runtime secrets from AWS SSM Parameter Store.
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
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// tokenPayload is the JSON shape stored for API tokens.
type tokenPayload struct {
	Token string `json:"token"`
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameter returns the decrypted value of a single parameter.
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
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}

// Token reads a parameter holding {"token": "..."} and returns the token.
func (c *Client) Token(ctx context.Context, name string) (string, error) {
	raw, err := c.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token %q as JSON: %w", name, err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", fmt.Errorf("paramstore: token %q is empty", name)
	}
	return strings.TrimSpace(tp.Token), nil
}

// Under fetches "<prefix>/<name>" for every name in one call. The result is
// keyed by the bare name. Missing parameters are reported together.
func (c *Client) Under(ctx context.Context, prefix string, names ...string) (map[string]string, error) {
	if c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if len(names) == 0 {
		return map[string]string{}, nil
	}

	full := make([]string, 0, len(names))
	for _, n := range names {
		full = append(full, prefix+"/"+n)
	}
	withDecryption := true
	out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
		Names:          full,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return nil, fmt.Errorf("paramstore: get parameters under %q: %w", prefix, err)
	}
	if out != nil && len(out.InvalidParameters) > 0 {
		return nil, fmt.Errorf("paramstore: missing parameters %s", strings.Join(out.InvalidParameters, ", "))
	}

	values := make(map[string]string, len(names))
	if out != nil {
		for _, p := range out.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			values[strings.TrimPrefix(*p.Name, prefix+"/")] = *p.Value
		}
	}
	return values, nil
}
