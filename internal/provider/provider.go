// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/pepipost-relay/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider handles the actual sending of parsed email messages
// to the target service (e.g., Pepipost, SES, Microsoft Graph, stdout).
type Provider interface {
	// Send delivers an email message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// permanent is implemented by errors that know whether a retry could help.
type permanent interface {
	Permanent() bool
}

// IsPermanent reports whether err, or any error it wraps, declares itself
// a permanent delivery failure. Unclassified errors are temporary.
func IsPermanent(err error) bool {
	var p permanent
	if errors.As(err, &p) {
		return p.Permanent()
	}
	return false
}
