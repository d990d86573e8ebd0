// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/pepipost-relay/internal/email"
)

const (
	maxRetries       = 3
	defaultBaseDelay = 1 * time.Second
	charset          = "UTF-8"
)

// Config holds the settings for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// SendEmailAPI is the subset of the SES v2 client the provider calls.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider sends emails through the AWS SES v2 API. The envelope sender is
// always the configured verified identity; the message's display name is
// kept.
type Provider struct {
	sender    string
	client    SendEmailAPI
	baseDelay time.Duration
}

// New creates a Provider backed by an SES v2 client. Static credentials are
// used when both keys are set, otherwise the default AWS chain applies.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Provider with a custom client.
func NewWithClient(sender string, client SendEmailAPI) *Provider {
	return &Provider{
		sender:    sender,
		client:    client,
		baseDelay: defaultBaseDelay,
	}
}

// Send delivers msg. Messages with attachments go out as raw MIME, all
// others use SES simple content. Failed calls are retried with exponential
// backoff.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	from := email.Address{Email: p.sender, Name: msg.From.Name}

	var input *sesv2.SendEmailInput
	if len(msg.Attachments) > 0 {
		raw, err := buildRawMessage(from, msg)
		if err != nil {
			return fmt.Errorf("failed to build raw message: %w", err)
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(headerAddress(from)),
			Destination:      destination(msg),
			Content:          &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
		}
	} else {
		input = buildSimpleInput(from, msg)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES request", "attempt", attempt, "max_retries", maxRetries)
			if err := sleepWithContext(ctx, p.backoffDelay(attempt-1)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := p.client.SendEmail(ctx, input)
		if err == nil {
			slog.Info("message accepted by SES", "message_id", aws.ToString(out.MessageId))
			return nil
		}

		lastErr = err
		slog.Warn("SES API error", "attempt", attempt, "error", err)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

func destination(msg *email.Email) *types.Destination {
	return &types.Destination{
		ToAddresses:  headerAddresses(msg.To),
		CcAddresses:  headerAddresses(msg.Cc),
		BccAddresses: headerAddresses(msg.Bcc),
	}
}

func buildSimpleInput(from email.Address, msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}
	if msg.HtmlBody != "" {
		body.Html = &types.Content{Data: aws.String(msg.HtmlBody), Charset: aws.String(charset)}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String(charset)}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(headerAddress(from)),
		Destination:      destination(msg),
		ReplyToAddresses: headerAddresses(msg.ReplyTo),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String(charset)},
				Body:    body,
			},
		},
	}
}

func buildRawMessage(from email.Address, msg *email.Email) ([]byte, error) {
	var buf bytes.Buffer

	header := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
		}
	}
	header("From", headerAddress(from))
	header("To", strings.Join(headerAddresses(msg.To), ", "))
	header("Cc", strings.Join(headerAddresses(msg.Cc), ", "))
	header("Reply-To", strings.Join(headerAddresses(msg.ReplyTo), ", "))
	header("Subject", mime.QEncoding.Encode(charset, msg.Subject))
	header("Message-ID", msg.MessageID)
	header("MIME-Version", "1.0")

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	bodyType, body := "text/plain", msg.TextBody
	if msg.HtmlBody != "" {
		bodyType, body = "text/html", msg.HtmlBody
	}
	if body != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Type", bodyType+"; charset="+charset)
		part, err := writer.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create body part: %w", err)
		}
		if _, err := part.Write([]byte(body)); err != nil {
			return nil, fmt.Errorf("failed to write body part: %w", err)
		}
	}

	for _, att := range msg.Attachments {
		if att.Filename == email.ControlChannelName {
			continue
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Type", att.ContentType)
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))

		part, err := writer.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(encodeBase64WithLineBreaks(att.Content))); err != nil {
			return nil, fmt.Errorf("failed to write attachment %s: %w", att.Filename, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// headerAddress renders a with an RFC 2047 encoded display name.
func headerAddress(a email.Address) string {
	if a.Name == "" {
		return a.Email
	}
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

func headerAddresses(addrs []email.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, headerAddress(a))
	}
	return out
}

// encodeBase64WithLineBreaks wraps base64 output at 76 characters (RFC 2045).
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for len(encoded) > 76 {
		b.WriteString(encoded[:76])
		b.WriteString("\r\n")
		encoded = encoded[76:]
	}
	b.WriteString(encoded)
	return b.String()
}

func (p *Provider) backoffDelay(retry int) time.Duration {
	return p.baseDelay << retry
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
