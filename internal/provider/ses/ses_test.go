package ses

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/pepipost-relay/internal/email"
	"github.com/shineum/pepipost-relay/internal/provider"
)

var _ provider.Provider = (*Provider)(nil)

type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-message-id")}, nil
}

func newTestProvider(client SendEmailAPI) *Provider {
	p := NewWithClient("verified@example.com", client)
	p.baseDelay = time.Millisecond
	return p
}

func simpleMessage() *email.Email {
	return &email.Email{
		From:     email.Address{Email: "app@example.com", Name: "Billing"},
		To:       []email.Address{{Email: "to@example.com", Name: "Alice"}, {Email: "to2@example.com"}},
		Cc:       []email.Address{{Email: "cc@example.com"}},
		Bcc:      []email.Address{{Email: "bcc@example.com"}},
		ReplyTo:  []email.Address{{Email: "support@example.com"}},
		Subject:  "Invoice",
		TextBody: "Plain",
		HtmlBody: "<p>Rich</p>",
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ses", newTestProvider(&mockSESClient{}).Name())
}

func TestSend_SimpleContent(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	require.NoError(t, newTestProvider(mock).Send(context.Background(), simpleMessage()))
	require.Equal(t, 1, mock.callCount)

	input := mock.lastInput
	require.NotNil(t, input.Content.Simple)
	assert.Nil(t, input.Content.Raw)
	assert.Equal(t, `"Billing" <verified@example.com>`, aws.ToString(input.FromEmailAddress))
	assert.Equal(t, []string{`"Alice" <to@example.com>`, "to2@example.com"}, input.Destination.ToAddresses)
	assert.Equal(t, []string{"cc@example.com"}, input.Destination.CcAddresses)
	assert.Equal(t, []string{"bcc@example.com"}, input.Destination.BccAddresses)
	assert.Equal(t, []string{"support@example.com"}, input.ReplyToAddresses)
	assert.Equal(t, "Invoice", aws.ToString(input.Content.Simple.Subject.Data))
	assert.Equal(t, "Plain", aws.ToString(input.Content.Simple.Body.Text.Data))
	assert.Equal(t, "<p>Rich</p>", aws.ToString(input.Content.Simple.Body.Html.Data))
	assert.Equal(t, charset, aws.ToString(input.Content.Simple.Body.Html.Charset))
}

func TestSend_TextOnly(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	msg := &email.Email{
		From:     email.Address{Email: "app@example.com"},
		To:       []email.Address{{Email: "to@example.com"}},
		TextBody: "Hello",
	}
	require.NoError(t, newTestProvider(mock).Send(context.Background(), msg))

	assert.Equal(t, "verified@example.com", aws.ToString(mock.lastInput.FromEmailAddress))
	assert.Nil(t, mock.lastInput.Content.Simple.Body.Html)
	assert.Nil(t, mock.lastInput.ReplyToAddresses)
}

func TestSend_RawWithAttachments(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	msg := simpleMessage()
	msg.MessageID = "<msg-123@example.com>"
	msg.Attachments = []email.Attachment{
		{Filename: "doc.pdf", ContentType: "application/pdf", Content: []byte("pdf content")},
		{Filename: email.ControlChannelName, ContentType: "application/json", Content: []byte(`{}`)},
	}

	require.NoError(t, newTestProvider(mock).Send(context.Background(), msg))

	input := mock.lastInput
	require.NotNil(t, input.Content.Raw)
	assert.Nil(t, input.Content.Simple)
	assert.Equal(t, []string{"bcc@example.com"}, input.Destination.BccAddresses)

	raw := string(input.Content.Raw.Data)
	for _, want := range []string{
		`From: "Billing" <verified@example.com>`,
		`To: "Alice" <to@example.com>, to2@example.com`,
		"Cc: cc@example.com",
		"Reply-To: support@example.com",
		"Subject: Invoice",
		"Message-ID: <msg-123@example.com>",
		"MIME-Version: 1.0",
		"multipart/mixed",
		"text/html; charset=UTF-8",
		"application/pdf",
		`attachment; filename=doc.pdf`,
		"Content-Transfer-Encoding: base64",
	} {
		assert.Contains(t, raw, want)
	}
	assert.NotContains(t, raw, "Bcc:")
	assert.NotContains(t, raw, email.ControlChannelName)
}

func TestSend_RetryThenSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			calls++
			if calls <= 2 {
				return nil, errors.New("throttled")
			}
			return &sesv2.SendEmailOutput{MessageId: aws.String("ok")}, nil
		},
	}

	require.NoError(t, newTestProvider(mock).Send(context.Background(), simpleMessage()))
	assert.Equal(t, 3, mock.callCount)
}

func TestSend_RetriesExhausted(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("persistent error")
		},
	}

	err := newTestProvider(mock).Send(context.Background(), simpleMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 retries")
	assert.Contains(t, err.Error(), "persistent error")
	assert.Equal(t, maxRetries+1, mock.callCount)
	assert.False(t, provider.IsPermanent(err))
}

func TestSend_ContextCancelled(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("error")
		},
	}
	p := NewWithClient("verified@example.com", mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Send(ctx, simpleMessage())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, mock.callCount)
}

func TestEncodeBase64WithLineBreaks(t *testing.T) {
	t.Parallel()

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}

	lines := strings.Split(encodeBase64WithLineBreaks(data), "\r\n")
	require.Len(t, lines, 2)
	assert.Len(t, lines[0], 76)
	assert.Len(t, lines[1], 136-76)
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	p := NewWithClient("s@example.com", &mockSESClient{})
	assert.Equal(t, 1*time.Second, p.backoffDelay(0))
	assert.Equal(t, 2*time.Second, p.backoffDelay(1))
	assert.Equal(t, 4*time.Second, p.backoffDelay(2))
}
