package pepipost

import (
	"encoding/base64"
	"log/slog"
	"sort"
	"strconv"

	"github.com/shineum/pepipost-relay/internal/email"
)

// Build converts an email.Email into a mail/send payload, applying
// msg.Params as extension parameters.
func Build(msg *email.Email) *Payload {
	return build(msg, msg.Params)
}

// build derives the standard fields from msg and then layers params on top.
// Missing senders or recipients leave their fields absent; the API is the
// one to reject such payloads.
func build(msg *email.Email, params email.Params) *Payload {
	p := newPayload()

	if !msg.From.IsZero() {
		p.Set("from", recipient{Email: msg.From.Email, Name: msg.From.DisplayName()})
	}
	p.Set("subject", msg.Subject)

	if len(msg.To) > 0 {
		p.Set("personalizations", []map[string]any{buildPersonalization(msg)})
	}

	if c, ok := buildContent(msg); ok {
		p.Set("content", []content{c})
	}

	if len(msg.ReplyTo) > 0 && msg.ReplyTo[0].Email != "" {
		p.Set("reply_to", msg.ReplyTo[0].Email)
	}

	attachments := buildAttachments(msg.Attachments)
	if len(attachments) > 0 {
		p.Set("attachments", attachments)
	}

	applyParams(p, params, attachments)
	return p
}

// buildPersonalization returns the single derived recipient group.
func buildPersonalization(msg *email.Email) map[string]any {
	group := map[string]any{"to": recipients(msg.To)}
	if len(msg.Cc) > 0 {
		group["cc"] = recipients(msg.Cc)
	}
	if len(msg.Bcc) > 0 {
		group["bcc"] = recipients(msg.Bcc)
	}
	return group
}

func recipients(addrs []email.Address) []recipient {
	out := make([]recipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, recipient{Email: a.Email, Name: a.DisplayName()})
	}
	return out
}

// buildContent always labels the body as html, which is what the API
// expects; text-only messages are sent as-is.
func buildContent(msg *email.Email) (content, bool) {
	body := msg.HtmlBody
	if body == "" {
		body = msg.TextBody
	}
	if body == "" {
		return content{}, false
	}
	return content{Type: "html", Value: body}, true
}

func buildAttachments(atts []email.Attachment) []any {
	out := make([]any, 0, len(atts))
	for _, att := range atts {
		if email.IsControlChannel(att.Filename, att.ContentType) {
			continue
		}
		out = append(out, attachment{
			Content: base64.StdEncoding.EncodeToString(att.Content),
			Name:    att.Filename,
		})
	}
	return out
}

// applyParams writes extension parameters into p. Keys are visited in
// sorted order so repeated builds produce identical payloads, and a key
// such as "personalizations" is applied before its dotted children.
func applyParams(p *Payload, params email.Params, derived []any) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := params[key]
		switch key {
		case "settings":
			applySettings(p, val)
		case "tags", "template_id":
			p.Set(key, val)
		case "personalizations":
			applyPersonalizations(p, val)
		case "attachments":
			if extra, ok := val.([]any); ok {
				merged := make([]any, 0, len(derived)+len(extra))
				merged = append(merged, derived...)
				merged = append(merged, extra...)
				p.Set(key, merged)
				continue
			}
			p.Set(key, val)
		default:
			p.setPath(key, val)
		}
	}
}

// applySettings sets each sub-key of val under the settings object.
func applySettings(p *Payload, val any) {
	settings, ok := val.(map[string]any)
	if !ok {
		slog.Debug("ignoring non-object settings parameter")
		return
	}

	current, ok := p.values["settings"].(map[string]any)
	if !ok {
		current = make(map[string]any, len(settings))
		p.Set("settings", current)
	}
	for k, v := range settings {
		current[k] = v
	}
}

// applyPersonalizations assigns every field of every entry onto the
// personalization group with the same index, creating groups as needed.
func applyPersonalizations(p *Payload, val any) {
	entries, dropped := indexedEntries(val)
	if dropped > 0 {
		slog.Warn("dropping personalization parameters beyond group limit",
			"dropped", dropped,
			"limit", maxPersonalizations,
		)
	}
	if len(entries) == 0 {
		return
	}

	groups, _ := p.values["personalizations"].([]map[string]any)
	recipientFields := 0

	for _, e := range entries {
		for len(groups) <= e.index {
			groups = append(groups, make(map[string]any))
		}
		for field, v := range e.fields {
			groups[e.index][field] = v
			switch field {
			case "to", "cc", "bcc":
				recipientFields++
			}
		}
	}

	p.Set("personalizations", groups)
	slog.Debug("applied personalization parameters",
		"groups", len(groups),
		"recipient_fields", recipientFields,
	)
}

// maxPersonalizations bounds the group index accepted from parameters.
// The API accepts at most this many groups per request.
const maxPersonalizations = 1000

type indexedEntry struct {
	index  int
	fields map[string]any
}

// indexedEntries accepts either a JSON array of objects or an object whose
// keys are non-negative integers. Anything else is ignored. Entries at or
// beyond maxPersonalizations are counted in dropped.
func indexedEntries(val any) (entries []indexedEntry, dropped int) {

	switch v := val.(type) {
	case []any:
		for i, item := range v {
			if i >= maxPersonalizations {
				dropped = len(v) - i
				break
			}
			if fields, ok := item.(map[string]any); ok {
				entries = append(entries, indexedEntry{index: i, fields: fields})
			}
		}
	case map[string]any:
		for k, item := range v {
			i, err := strconv.Atoi(k)
			if err != nil || i < 0 {
				continue
			}
			if i >= maxPersonalizations {
				dropped++
				continue
			}
			if fields, ok := item.(map[string]any); ok {
				entries = append(entries, indexedEntry{index: i, fields: fields})
			}
		}
		sort.Slice(entries, func(a, b int) bool { return entries[a].index < entries[b].index })
	}

	return entries, dropped
}
