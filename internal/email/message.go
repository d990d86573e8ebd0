// Package email defines the core email data model shared by the SMTP
// listener, the HTTP API and every delivery provider.
package email

import "strings"

// Address is a mailbox with an optional display name.
type Address struct {
	Email string
	Name  string
}

// DisplayName returns the display name, falling back to the local part of
// the address when no name was given.
func (a Address) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	local, _, _ := strings.Cut(a.Email, "@")
	return local
}

// String formats the address for a MIME header.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// IsZero reports whether the address has no mailbox.
func (a Address) IsZero() bool {
	return a.Email == ""
}

// Emails returns the bare mailboxes of addrs, in order.
func Emails(addrs []Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Email)
	}
	return out
}

// Email represents a parsed email message with all its components.
type Email struct {
	From        Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	ReplyTo     []Address
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment

	// Params carries provider-specific send options (tags, template id,
	// personalizations, settings) that have no place in a MIME message.
	Params Params

	RawHeaders map[string][]string
	MessageID  string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}
