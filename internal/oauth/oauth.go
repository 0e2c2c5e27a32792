// Package oauth acquires mailbox credentials through Google's OAuth2
// authorization-code flow and resolves which identity they belong to.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	oauth2v2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/wesm/sheetvault/internal/credential"
)

// Scopes requested for ingestion: read-only mail plus enough identity to
// name the mailbox.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/userinfo.email",
	oidc.ScopeOpenID,
}

const (
	googleIssuer  = "https://accounts.google.com"
	googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
)

// IncompleteError means the provider returned a credential that cannot be
// refreshed unattended. It is never stored.
type IncompleteError struct {
	Identity string
	Missing  []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("incomplete credential for %s: missing %s (revoke access and authorize again with consent)",
		e.Identity, strings.Join(e.Missing, ", "))
}

// IdentityVerifier checks a raw OIDC ID token and returns its email claim.
type IdentityVerifier interface {
	VerifyEmail(ctx context.Context, rawIDToken string) (string, error)
}

type oidcVerifier struct {
	v *oidc.IDTokenVerifier
}

// NewGoogleVerifier verifies ID tokens issued by Google for clientID. Keys
// are fetched lazily on first use.
func NewGoogleVerifier(ctx context.Context, clientID string) IdentityVerifier {
	keys := oidc.NewRemoteKeySet(ctx, googleJWKSURL)
	return newVerifier(googleIssuer, keys, &oidc.Config{ClientID: clientID})
}

func newVerifier(issuer string, keys oidc.KeySet, cfg *oidc.Config) IdentityVerifier {
	return oidcVerifier{v: oidc.NewVerifier(issuer, keys, cfg)}
}

func (o oidcVerifier) VerifyEmail(ctx context.Context, raw string) (string, error) {
	tok, err := o.v.Verify(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("verify id token: %w", err)
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := tok.Claims(&claims); err != nil {
		return "", fmt.Errorf("parse id token claims: %w", err)
	}
	if claims.Email == "" {
		return "", errors.New("id token has no email claim")
	}
	return claims.Email, nil
}

// Flow exchanges authorization codes for stored credentials.
type Flow struct {
	config       *oauth2.Config
	store        credential.Store
	verifier     IdentityVerifier
	userinfoBase string
	httpClient   *http.Client
	logger       *slog.Logger
}

// LoadConfig reads a Google client secrets file.
func LoadConfig(clientSecretsPath, redirectURL string) (*oauth2.Config, error) {
	data, err := os.ReadFile(clientSecretsPath)
	if err != nil {
		return nil, fmt.Errorf("read client secrets: %w", err)
	}
	config, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secrets: %w", err)
	}
	if redirectURL != "" {
		config.RedirectURL = redirectURL
	}
	return config, nil
}

// NewFlow creates a Flow that upserts completed credentials into store.
func NewFlow(config *oauth2.Config, store credential.Store) *Flow {
	return &Flow{
		config: config,
		store:  store,
		logger: slog.Default(),
	}
}

// WithVerifier sets the ID token verifier. Without one, identities are
// always resolved through the userinfo endpoint.
func (f *Flow) WithVerifier(v IdentityVerifier) *Flow {
	f.verifier = v
	return f
}

// WithHTTPClient sets the client used for the token exchange and userinfo.
func (f *Flow) WithHTTPClient(c *http.Client) *Flow {
	f.httpClient = c
	return f
}

// WithUserinfoEndpoint overrides the userinfo API base URL.
func (f *Flow) WithUserinfoEndpoint(base string) *Flow {
	f.userinfoBase = base
	return f
}

// WithLogger sets the logger.
func (f *Flow) WithLogger(logger *slog.Logger) *Flow {
	f.logger = logger
	return f
}

// RedirectURL returns the configured callback URL.
func (f *Flow) RedirectURL() string {
	return f.config.RedirectURL
}

// AuthURL returns the consent page URL. Offline access with forced consent
// makes Google issue a refresh token every time.
func (f *Flow) AuthURL(state string) string {
	return f.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Complete exchanges code, resolves the identity, and upserts the record.
// Incomplete credentials return *IncompleteError and are not stored.
func (f *Flow) Complete(ctx context.Context, code string) (credential.Record, error) {
	return f.complete(ctx, f.config, code)
}

func (f *Flow) complete(ctx context.Context, config *oauth2.Config, code string) (credential.Record, error) {
	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}
	tok, err := config.Exchange(ctx, code)
	if err != nil {
		return credential.Record{}, fmt.Errorf("exchange code: %w", err)
	}

	identity, err := f.resolveIdentity(ctx, config, tok)
	if err != nil {
		return credential.Record{}, err
	}

	rec := credential.Record{
		Identity:      credential.Canonical(identity),
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		TokenEndpoint: config.Endpoint.TokenURL,
		ClientID:      config.ClientID,
		ClientSecret:  config.ClientSecret,
		Scopes:        config.Scopes,
		Expiry:        tok.Expiry,
	}
	missing := rec.Missing()
	if rec.AccessToken == "" {
		missing = append([]string{"access_token"}, missing...)
	}
	if len(missing) > 0 {
		f.logger.Warn("refusing incomplete credential", "email", rec.Identity, "missing", missing)
		return rec, &IncompleteError{Identity: rec.Identity, Missing: missing}
	}

	if err := f.store.Upsert(ctx, rec); err != nil {
		return rec, fmt.Errorf("save credential: %w", err)
	}
	f.logger.Info("stored credential", "email", rec.Identity)
	return rec, nil
}

// resolveIdentity prefers the verified ID token and falls back to the
// userinfo API.
func (f *Flow) resolveIdentity(ctx context.Context, config *oauth2.Config, tok *oauth2.Token) (string, error) {
	if raw, _ := tok.Extra("id_token").(string); raw != "" && f.verifier != nil {
		email, err := f.verifier.VerifyEmail(ctx, raw)
		if err == nil {
			return email, nil
		}
		f.logger.Warn("id token rejected, falling back to userinfo", "error", err)
	}

	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, config.TokenSource(ctx, tok)))}
	if f.userinfoBase != "" {
		opts = append(opts, option.WithEndpoint(f.userinfoBase))
	}
	svc, err := oauth2v2.NewService(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("create userinfo client: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("fetch userinfo: %w", err)
	}
	if info.Email == "" {
		return "", errors.New("userinfo has no email")
	}
	return info.Email, nil
}

// NewState returns a random CSRF state value.
func NewState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

const (
	redirectPort = "8089"
	callbackPath = "/callback"
)

// newCallbackHandler returns an HTTP handler that processes the OAuth callback.
func newCallbackHandler(expectedState string, codeChan chan<- string, errChan chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != expectedState {
			errChan <- fmt.Errorf("state mismatch: possible CSRF attack")
			fmt.Fprintf(w, "Error: state mismatch")
			return
		}
		if e := r.URL.Query().Get("error"); e != "" {
			errChan <- fmt.Errorf("authorization denied: %s", e)
			fmt.Fprintf(w, "Error: %s", e)
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			errChan <- fmt.Errorf("no code in callback")
			fmt.Fprintf(w, "Error: no authorization code received")
			return
		}
		codeChan <- code
		fmt.Fprintf(w, "Authorization successful! You can close this window.")
	}
}

// BrowserFlow runs the consent flow against a localhost callback and
// stores the result. Used by the CLI.
func (f *Flow) BrowserFlow(ctx context.Context, openInBrowser bool) (credential.Record, error) {
	state, err := NewState()
	if err != nil {
		return credential.Record{}, err
	}

	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.Handle(callbackPath, newCallbackHandler(state, codeChan, errChan))
	server := &http.Server{Addr: "localhost:" + redirectPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	defer func() { _ = server.Shutdown(context.Background()) }()

	config := *f.config
	config.RedirectURL = "http://localhost:" + redirectPort + callbackPath
	authURL := config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Printf("Opening browser for authorization...\n")
	fmt.Printf("If browser doesn't open, visit:\n%s\n\n", authURL)

	if openInBrowser {
		if err := openBrowser(authURL); err != nil {
			f.logger.Warn("failed to open browser", "error", err)
		}
	}

	select {
	case code := <-codeChan:
		return f.complete(ctx, &config, code)
	case err := <-errChan:
		return credential.Record{}, err
	case <-ctx.Done():
		return credential.Record{}, ctx.Err()
	}
}

// openBrowser opens the default browser to the given URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return cmd.Start()
}
