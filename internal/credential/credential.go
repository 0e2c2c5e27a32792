// Package credential holds refreshable OAuth credentials per mailbox identity
// and turns them into ready-to-use sessions.
package credential

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Record is the persisted token bundle for one identity. Records are values:
// a refresh produces a new Record that replaces the old one in the Store.
type Record struct {
	Identity      string    `json:"identity"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	TokenEndpoint string    `json:"token_endpoint"`
	ClientID      string    `json:"client_id"`
	ClientSecret  string    `json:"client_secret"`
	Scopes        []string  `json:"scopes,omitempty"`
	Expiry        time.Time `json:"expiry"`
}

// Unattended reports whether the record carries everything needed to
// refresh without a user present.
func (r Record) Unattended() bool {
	return r.RefreshToken != "" && r.ClientID != "" && r.ClientSecret != ""
}

// Missing lists the fields required for unattended use that are empty.
func (r Record) Missing() []string {
	var missing []string
	if r.RefreshToken == "" {
		missing = append(missing, "refresh_token")
	}
	if r.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if r.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	return missing
}

// Token returns the record as an oauth2 token.
func (r Record) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       r.Expiry,
	}
}

// Store persists one Record per identity.
type Store interface {
	// Get returns the record for identity, or nil if none exists.
	Get(ctx context.Context, identity string) (*Record, error)

	// Upsert replaces the record for rec.Identity in a single write.
	Upsert(ctx context.Context, rec Record) error

	// ListAll returns every stored record.
	ListAll(ctx context.Context) ([]Record, error)
}

// Session is a credential that is valid right now.
type Session struct {
	Identity    string
	Record      Record
	TokenSource oauth2.TokenSource
}

// AuthError means the identity cannot be used this cycle: the credential is
// incomplete, revoked, or the refresh call failed.
type AuthError struct {
	Identity string
	Reason   string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Identity, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Identity, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Canonical returns the canonical form of an identity (trimmed, lower-case).
func Canonical(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
