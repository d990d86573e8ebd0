// Package parser provides RFC 5322 email message parsing with MIME multipart support.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/pepipost-relay/internal/email"
)

var wordDecoder = new(mime.WordDecoder)

// EnsureMessageID assigns a "<uuid@hostname>" Message-ID when msg has none
// and returns the id in effect.
func EnsureMessageID(msg *email.Email, hostname string) string {
	if msg.MessageID == "" {
		if hostname == "" {
			hostname = "localhost"
		}
		msg.MessageID = "<" + uuid.NewString() + "@" + hostname + ">"
	}
	return msg.MessageID
}

// Parse parses a raw RFC 5322 email message into an Email struct.
// It handles plain text messages, multipart messages with text/html bodies,
// and attachments. A part named after email.ControlChannelName is decoded
// into Email.Params instead of being kept as an attachment.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Email{
		RawHeaders: make(map[string][]string, len(msg.Header)),
	}
	for key, values := range msg.Header {
		result.RawHeaders[key] = values
	}

	if from := parseAddressList(msg.Header.Get("From")); len(from) > 0 {
		result.From = from[0]
	}
	result.To = parseAddressList(msg.Header.Get("To"))
	result.Cc = parseAddressList(msg.Header.Get("Cc"))
	result.Bcc = parseAddressList(msg.Header.Get("Bcc"))
	result.ReplyTo = parseAddressList(msg.Header.Get("Reply-To"))
	result.Subject = decodeHeader(msg.Header.Get("Subject"))
	result.MessageID = msg.Header.Get("Message-Id")

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.TextBody = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := readBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	switch mediaType {
	case "text/plain":
		result.TextBody = string(body)
	case "text/html":
		result.HtmlBody = string(body)
	default:
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
		result.TextBody = string(body)
	}

	return result, nil
}

// parseMultipart processes a multipart MIME message body, extracting text/plain,
// text/html parts, attachments and the params control channel.
func parseMultipart(body io.Reader, boundary string, result *email.Email) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nestedBoundary, result); err != nil {
				slog.Warn("failed to parse nested multipart",
					"error", err,
				)
			}
			continue
		}

		content, err := readBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		explicitName := declaredFilename(part, params)
		if email.IsControlChannel(explicitName, mediaType) {
			applyControlChannel(result, content)
			continue
		}

		disposition := part.Header.Get("Content-Disposition")
		if strings.HasPrefix(strings.ToLower(disposition), "attachment") {
			addAttachment(result, mediaType, fallbackFilename(explicitName, mediaType), content)
			continue
		}

		switch mediaType {
		case "text/plain":
			if result.TextBody == "" {
				result.TextBody = string(content)
			}
		case "text/html":
			if result.HtmlBody == "" {
				result.HtmlBody = string(content)
			}
		default:
			// Inline parts are kept when they name themselves, e.g. embedded images.
			if explicitName != "" {
				addAttachment(result, mediaType, explicitName, content)
			} else {
				slog.Warn("unrecognized MIME part, skipping",
					"content_type", mediaType,
					"disposition", disposition,
				)
			}
		}
	}

	return nil
}

func addAttachment(result *email.Email, mediaType, filename string, content []byte) {
	result.Attachments = append(result.Attachments, email.Attachment{
		Filename:    filename,
		ContentType: mediaType,
		Content:     content,
	})
}

// applyControlChannel merges decoded params into result. Later parts win
// on key conflicts.
func applyControlChannel(result *email.Email, content []byte) {
	params := email.DecodeParamsBytes(content)
	if len(params) == 0 {
		slog.Warn("control channel part carried no usable params")
		return
	}
	if result.Params == nil {
		result.Params = make(email.Params, len(params))
	}
	for k, v := range params {
		result.Params[k] = v
	}
}

// readBody reads the full content of a body or part, decoding base64
// transfer encoding. multipart.Reader already undoes quoted-printable.
func readBody(r io.Reader, encoding string) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(strings.TrimSpace(encoding)) != "base64" {
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "", " ", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// declaredFilename returns the name a part gives itself through
// Content-Disposition or the Content-Type "name" parameter. The raw
// parameter is used rather than Part.FileName, which strips everything up
// to the last slash and would hide the control channel name.
func declaredFilename(part *multipart.Part, params map[string]string) string {
	if disposition := part.Header.Get("Content-Disposition"); disposition != "" {
		if _, dparams, err := mime.ParseMediaType(disposition); err == nil && dparams["filename"] != "" {
			return decodeHeader(dparams["filename"])
		}
	}
	if name := params["name"]; name != "" {
		return decodeHeader(name)
	}
	return ""
}

// fallbackFilename derives a name from the media type, since downstream
// APIs require attachments to be named.
func fallbackFilename(name, mediaType string) string {
	if name != "" {
		return name
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// decodeHeader decodes RFC 2047 encoded-words, returning the input
// unchanged when it cannot be decoded.
func decodeHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// parseAddressList parses a header address list, keeping display names.
func parseAddressList(raw string) []email.Address {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to a simple comma split if RFC 5322 parsing fails.
		parts := strings.Split(raw, ",")
		result := make([]email.Address, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.Trim(strings.TrimSpace(p), "<>"); trimmed != "" {
				result = append(result, email.Address{Email: trimmed})
			}
		}
		return result
	}

	result := make([]email.Address, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, email.Address{Email: addr.Address, Name: addr.Name})
	}
	return result
}
