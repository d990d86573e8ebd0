package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/shineum/pepipost-relay/internal/email"
	"github.com/shineum/pepipost-relay/internal/parser"
	"github.com/shineum/pepipost-relay/internal/provider"
)

// sendRequest is the body of POST /v1/mail/send.
type sendRequest struct {
	From        address            `json:"from"`
	To          []address          `json:"to"`
	Cc          []address          `json:"cc"`
	Bcc         []address          `json:"bcc"`
	ReplyTo     []address          `json:"reply_to"`
	Subject     string             `json:"subject"`
	HTML        string             `json:"html"`
	Text        string             `json:"text"`
	Attachments []attachmentObject `json:"attachments"`
	Params      email.Params       `json:"params"`
}

type attachmentObject struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type sendResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
}

// address accepts either "Name <user@example.com>" or
// {"email": "...", "name": "..."}.
type address email.Address

func (a *address) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := mail.ParseAddress(s)
		if err != nil {
			return fmt.Errorf("invalid address %q", s)
		}
		*a = address{Email: parsed.Address, Name: parsed.Name}
		return nil
	}

	var obj struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if _, err := mail.ParseAddress(obj.Email); err != nil {
		return fmt.Errorf("invalid address %q", obj.Email)
	}
	*a = address{Email: obj.Email, Name: obj.Name}
	return nil
}

func addresses(in []address) []email.Address {
	if len(in) == 0 {
		return nil
	}
	out := make([]email.Address, len(in))
	for i, a := range in {
		out[i] = email.Address(a)
	}
	return out
}

// toEmail validates req and converts it to the shared message model.
func (req *sendRequest) toEmail() (*email.Email, error) {
	if req.From.Email == "" {
		return nil, errors.New("from is required")
	}
	if len(req.To) == 0 {
		return nil, errors.New("at least one to recipient is required")
	}
	if req.HTML == "" && req.Text == "" && req.Params["template_id"] == nil {
		return nil, errors.New("html, text or params.template_id is required")
	}

	msg := &email.Email{
		From:     email.Address(req.From),
		To:       addresses(req.To),
		Cc:       addresses(req.Cc),
		Bcc:      addresses(req.Bcc),
		ReplyTo:  addresses(req.ReplyTo),
		Subject:  req.Subject,
		HtmlBody: req.HTML,
		TextBody: req.Text,
		Params:   req.Params,
	}

	for i, att := range req.Attachments {
		name := strings.TrimSpace(att.Name)
		if name == "" {
			return nil, fmt.Errorf("attachments[%d]: name is required", i)
		}
		if name == email.ControlChannelName {
			return nil, fmt.Errorf("attachments[%d]: name %q is reserved; use params", i, name)
		}
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			return nil, fmt.Errorf("attachments[%d]: content is not valid base64", i)
		}
		contentType := att.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(content)
		}
		msg.Attachments = append(msg.Attachments, email.Attachment{
			Filename:    name,
			ContentType: contentType,
			Content:     content,
		})
	}

	return msg, nil
}

func (h *handler) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, h.opts.MaxBodySize, &req); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, r, status, "invalid request: "+err.Error())
		return
	}

	msg, err := req.toEmail()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	id := RequestID(r.Context())
	parser.EnsureMessageID(msg, h.opts.Hostname)

	log := slog.With("request_id", id, "message_id", msg.MessageID, "provider", h.opts.Provider.Name())
	if err := h.opts.Provider.Send(r.Context(), msg); err != nil {
		log.Error("provider send failed", "error", err)
		if provider.IsPermanent(err) {
			writeError(w, r, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, r, http.StatusBadGateway, "delivery failed, try again later")
		return
	}

	log.Info("message relayed", "recipients", len(msg.To)+len(msg.Cc)+len(msg.Bcc))
	writeJSON(w, http.StatusAccepted, sendResponse{ID: id, MessageID: msg.MessageID})
}
