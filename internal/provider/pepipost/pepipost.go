package pepipost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"dario.cat/mergo"

	"github.com/shineum/pepipost-relay/internal/email"
)

// DefaultEndpoint is the documented v5.1 send-mail URL.
const DefaultEndpoint = "https://emailapi.netcorecloud.net/v5.1/mail/send"

// defaultTimeout applies when Config.Timeout is zero.
const defaultTimeout = 30 * time.Second

// maxResponseBody caps how much of a reply is read for error reporting.
const maxResponseBody = 64 * 1024

// ErrMissingAPIKey is returned by New when no API key is configured.
var ErrMissingAPIKey = errors.New("pepipost: api key is required")

// Config holds the configuration for creating a Provider.
type Config struct {
	APIKey   string
	Endpoint string
	Timeout  time.Duration

	// DefaultParams are merged under every message's Params. Values set on
	// the message win.
	DefaultParams email.Params
}

// HTTPDoer executes HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider sends emails through the Pepipost mail/send API. Each Send
// issues exactly one POST; failures are returned to the caller unchanged
// in kind and are not retried here.
type Provider struct {
	apiKey        string
	endpoint      string
	defaultParams email.Params
	client        HTTPDoer
}

// New creates a Provider backed by an *http.Client with the configured timeout.
func New(cfg Config) (*Provider, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return NewWithClient(cfg, &http.Client{Timeout: timeout})
}

// NewWithClient creates a Provider that delivers through client.
func NewWithClient(cfg Config, client HTTPDoer) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Provider{
		apiKey:        cfg.APIKey,
		endpoint:      endpoint,
		defaultParams: cfg.DefaultParams,
		client:        client,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "pepipost"
}

// Endpoint returns the URL messages are posted to.
func (p *Provider) Endpoint() string {
	return p.endpoint
}

// Payload builds the request body for msg without sending it.
func (p *Provider) Payload(msg *email.Email) (*Payload, error) {
	return BuildWithDefaults(msg, p.defaultParams)
}

// BuildWithDefaults is Build with defaults merged under the message's own
// params. Message values win; neither input is modified.
func BuildWithDefaults(msg *email.Email, defaults email.Params) (*Payload, error) {
	params, err := mergeParams(msg.Params, defaults)
	if err != nil {
		return nil, err
	}
	return build(msg, params), nil
}

// Send delivers msg with a single POST to the configured endpoint.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	payload, err := p.Payload(msg)
	if err != nil {
		return err
	}

	req, err := p.newRequest(ctx, payload)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("Pepipost request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, body)
	}

	slog.Info("message accepted by Pepipost",
		"message_id", messageID(body),
		"subject", msg.Subject,
		"recipients", len(msg.To)+len(msg.Cc)+len(msg.Bcc),
	)
	return nil
}

// newRequest encodes payload and attaches the authentication headers.
func (p *Provider) newRequest(ctx context.Context, payload *Payload) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("api_key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// mergeParams returns a fresh copy of params with defaults filled in.
func mergeParams(params, defaultParams email.Params) (email.Params, error) {
	if len(defaultParams) == 0 {
		return params, nil
	}

	merged, err := cloneParams(params)
	if err != nil {
		return nil, err
	}
	defaults, err := cloneParams(defaultParams)
	if err != nil {
		return nil, err
	}

	if err := mergo.Merge(&merged, defaults, mergo.WithoutDereference); err != nil {
		return nil, fmt.Errorf("failed to merge default params: %w", err)
	}
	return merged, nil
}

// cloneParams deep-copies params through their JSON form.
func cloneParams(params email.Params) (email.Params, error) {
	text, err := email.EncodeParams(params)
	if err != nil {
		return nil, err
	}
	return email.DecodeParams(text), nil
}

// messageID extracts data.message_id from a success reply, if present.
func messageID(body []byte) string {
	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	var data sendData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return ""
	}
	return data.MessageID
}
