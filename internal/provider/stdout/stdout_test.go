package stdout

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/pepipost-relay/internal/email"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestSend_Headers(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	msg := &email.Email{
		From:     email.Address{Email: "sender@example.com", Name: "Sender"},
		To:       []email.Address{{Email: "alice@example.com"}, {Email: "bob@example.com", Name: "Bob"}},
		Cc:       []email.Address{{Email: "carol@example.com"}},
		Bcc:      []email.Address{{Email: "dave@example.com"}},
		ReplyTo:  []email.Address{{Email: "replies@example.com"}},
		Subject:  "Quarterly numbers",
		TextBody: "See attached.",
	}

	require.NoError(t, p.Send(context.Background(), msg))

	out := buf.String()
	assert.Contains(t, out, "From: Sender <sender@example.com>")
	assert.Contains(t, out, "To: alice@example.com, Bob <bob@example.com>")
	assert.Contains(t, out, "Cc: carol@example.com")
	assert.Contains(t, out, "Bcc: dave@example.com")
	assert.Contains(t, out, "Reply-To: replies@example.com")
	assert.Contains(t, out, "Subject: Quarterly numbers")
	assert.Contains(t, out, "See attached.")
	assert.NotContains(t, out, "Params:")
}

func TestSend_OmitsEmptyRecipientLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	msg := &email.Email{
		From: email.Address{Email: "sender@example.com"},
		To:   []email.Address{{Email: "alice@example.com"}},
	}

	require.NoError(t, p.Send(context.Background(), msg))

	out := buf.String()
	assert.NotContains(t, out, "Cc:")
	assert.NotContains(t, out, "Bcc:")
	assert.NotContains(t, out, "Reply-To:")
	assert.NotContains(t, out, "Attachments:")
}

func TestSend_ParamKeysSorted(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	msg := &email.Email{
		From:   email.Address{Email: "sender@example.com"},
		To:     []email.Address{{Email: "alice@example.com"}},
		Params: email.Params{"tags": []any{"a"}, "settings": map[string]any{}, "template_id": 7},
	}

	require.NoError(t, p.Send(context.Background(), msg))
	assert.Contains(t, buf.String(), "Params: settings, tags, template_id")
}

func TestSend_HTMLBodyFallback(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	msg := &email.Email{
		From:     email.Address{Email: "sender@example.com"},
		To:       []email.Address{{Email: "alice@example.com"}},
		HtmlBody: "<p>HTML content</p>",
	}

	require.NoError(t, p.Send(context.Background(), msg))
	assert.Contains(t, buf.String(), "<p>HTML content</p>")
}

func TestSend_Attachments(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	msg := &email.Email{
		From: email.Address{Email: "sender@example.com"},
		To:   []email.Address{{Email: "alice@example.com"}},
		Attachments: []email.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Content: make([]byte, 1258291)},
			{Filename: "notes.txt", ContentType: "text/plain", Content: []byte("hi")},
		},
	}

	require.NoError(t, p.Send(context.Background(), msg))
	assert.Contains(t, buf.String(), "Attachments: report.pdf (1.2 MB), notes.txt (2 B)")
}

func TestSend_WriteError(t *testing.T) {
	t.Parallel()

	p := NewWithWriter(failingWriter{})
	err := p.Send(context.Background(), &email.Email{})
	assert.ErrorContains(t, err, "disk full")
}

func TestName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stdout", New().Name())
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes int
		want  string
	}{
		{bytes: 0, want: "0 B"},
		{bytes: 512, want: "512 B"},
		{bytes: 46080, want: "45.0 KB"},
		{bytes: 1258291, want: "1.2 MB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.bytes), "formatSize(%d)", tt.bytes)
	}
}
