// Package smtp implements the relay's SMTP listener: ESMTP with STARTTLS,
// AUTH PLAIN/LOGIN and delivery through a provider.Provider.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrAuthFailed is returned for any credential mismatch.
var ErrAuthFailed = errors.New("authentication failed")

// ErrMalformedAuth is returned when the client response cannot be decoded.
var ErrMalformedAuth = errors.New("malformed authentication response")

// Authenticator checks SMTP AUTH responses against one configured account.
type Authenticator struct {
	username []byte
	password []byte
}

// NewAuthenticator creates an Authenticator. Authentication is disabled
// unless both username and password are non-empty.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{username: []byte(username), password: []byte(password)}
}

// Enabled reports whether clients must authenticate.
func (a *Authenticator) Enabled() bool {
	return len(a.username) > 0 && len(a.password) > 0
}

// VerifyPlain checks a base64 "authzid\x00authcid\x00password" response.
// The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ErrMalformedAuth
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return ErrMalformedAuth
	}
	return a.check([]byte(parts[1]), []byte(parts[2]))
}

// VerifyLogin checks the two base64 answers of the LOGIN exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return ErrMalformedAuth
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return ErrMalformedAuth
	}
	return a.check(user, pass)
}

func (a *Authenticator) check(user, pass []byte) error {
	userOK := subtle.ConstantTimeCompare(user, a.username)
	passOK := subtle.ConstantTimeCompare(pass, a.password)
	if userOK&passOK != 1 {
		return ErrAuthFailed
	}
	return nil
}
