package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/pepipost-relay/internal/email"
)

const (
	maxRetries       = 3
	defaultBaseDelay = 1 * time.Second
	tokenEarlyExpiry = 5 * time.Minute
	graphScope       = "https://graph.microsoft.com/.default"
)

// Config holds the settings for creating a Provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// Provider sends emails through the Graph sendMail endpoint of the sender's
// mailbox, authenticating with OAuth2 client credentials.
type Provider struct {
	sender     string
	graphURL   string
	httpClient *http.Client
	baseDelay  time.Duration

	credentials clientcredentials.Config
	tokenCtx    context.Context

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

// New creates a Provider for the Azure AD tenant in cfg.
func New(cfg Config) *Provider {
	return newWithOverrides(
		cfg,
		fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender)),
		fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		&http.Client{Timeout: 30 * time.Second},
	)
}

func newWithOverrides(cfg Config, graphURL, tokenURL string, client *http.Client) *Provider {
	p := &Provider{
		sender:     cfg.Sender,
		graphURL:   graphURL,
		httpClient: client,
		baseDelay:  defaultBaseDelay,
		credentials: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		tokenCtx: context.WithValue(context.Background(), oauth2.HTTPClient, client),
	}
	p.tokens = p.newTokenSource()
	return p
}

func (p *Provider) newTokenSource() oauth2.TokenSource {
	return oauth2.ReuseTokenSourceWithExpiry(nil, p.credentials.TokenSource(p.tokenCtx), tokenEarlyExpiry)
}

func (p *Provider) token() (*oauth2.Token, error) {
	p.mu.Lock()
	ts := p.tokens
	p.mu.Unlock()
	return ts.Token()
}

// refreshToken drops the cached token so the next request fetches a new one.
func (p *Provider) refreshToken() error {
	p.mu.Lock()
	p.tokens = p.newTokenSource()
	p.mu.Unlock()
	_, err := p.token()
	return err
}

// Send delivers msg. 429 and 5xx responses are retried with backoff (429
// honors Retry-After); a 401 triggers one token refresh.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	bodyJSON, err := json.Marshal(buildSendMailRequest(p.sender, msg))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := p.doSendRequest(ctx, bodyJSON)
		if err == nil {
			slog.Info("message accepted by Graph", "sender", p.sender)
			return nil
		}
		lastErr = err

		var sendErr *sendError
		if !errors.As(err, &sendErr) {
			return err
		}

		var delay time.Duration
		switch {
		case sendErr.permanent:
			return sendErr
		case sendErr.statusCode == http.StatusUnauthorized && !tokenRefreshed:
			slog.Info("refreshing Graph token after 401")
			if err := p.refreshToken(); err != nil {
				return fmt.Errorf("token refresh failed: %w", err)
			}
			tokenRefreshed = true
			continue
		case sendErr.statusCode == http.StatusTooManyRequests:
			delay = p.retryAfterDelay(sendErr.retryAfter, attempt)
			slog.Info("rate limited by Graph", "retry_after", delay)
		case sendErr.transient:
			delay = p.backoffDelay(attempt)
			slog.Info("transient Graph error, retrying", "status", sendErr.statusCode, "delay", delay)
		default:
			return sendErr
		}

		if attempt == maxRetries {
			break
		}
		if err := sleepWithContext(ctx, delay); err != nil {
			return fmt.Errorf("context cancelled during retry wait: %w", err)
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "graph"
}

func (p *Provider) doSendRequest(ctx context.Context, bodyJSON []byte) error {
	tok, err := p.token()
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.graphURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tok.SetAuthHeader(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sendError{message: fmt.Sprintf("HTTP request failed: %v", err), transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	message := string(body)
	var errResp graphErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return classifyError(resp.StatusCode, message, resp.Header.Get("Retry-After"))
}

// sendError is a Graph failure classified for retry decisions.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// Permanent reports whether resending the same message cannot succeed.
func (e *sendError) Permanent() bool {
	return e.permanent
}

func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{message: message, statusCode: statusCode, retryAfter: retryAfter}

	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}
	return err
}

func (p *Provider) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return p.backoffDelay(attempt)
}

// backoffDelay doubles the base delay per attempt: 1s, 2s, 4s.
func (p *Provider) backoffDelay(attempt int) time.Duration {
	return p.baseDelay << attempt
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
