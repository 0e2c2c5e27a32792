package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"

	"github.com/wesm/sheetvault/internal/credential"
)

// providerServer fakes Google's token and userinfo endpoints.
type providerServer struct {
	*httptest.Server
	userinfoCalls atomic.Int32
	email         string
}

func newProviderServer(t *testing.T) *providerServer {
	t.Helper()
	p := &providerServer{email: "User@Example.com"}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("code") {
		case "good":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
				"token_type":    "Bearer",
				"expires_in":    3600,
				"id_token":      "raw-id-token",
			})
		case "no-refresh":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "access-1",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		}
	})
	mux.HandleFunc("/oauth2/v2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		p.userinfoCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"email": p.email, "verified_email": true})
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *providerServer) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.URL + "/auth",
			TokenURL: p.URL + "/token",
		},
		RedirectURL: "https://sheets.example.com/oauth2callback",
		Scopes:      Scopes,
	}
}

func newTestFlow(p *providerServer, store credential.Store) *Flow {
	return NewFlow(p.config(), store).
		WithHTTPClient(p.Client()).
		WithUserinfoEndpoint(p.URL + "/")
}

type fakeVerifier struct {
	email string
	err   error
	calls int
}

func (f *fakeVerifier) VerifyEmail(ctx context.Context, raw string) (string, error) {
	f.calls++
	if raw != "raw-id-token" {
		return "", errors.New("unexpected token " + raw)
	}
	return f.email, f.err
}

func TestAuthURL(t *testing.T) {
	p := newProviderServer(t)
	f := newTestFlow(p, credential.NewMemoryStore())

	u, err := url.Parse(f.AuthURL("state-123"))
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	want := map[string]string{
		"access_type":  "offline",
		"prompt":       "consent",
		"state":        "state-123",
		"client_id":    "client-id",
		"redirect_uri": "https://sheets.example.com/oauth2callback",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	scope := q.Get("scope")
	for _, s := range []string{"gmail.readonly", "userinfo.email", "openid"} {
		if !strings.Contains(scope, s) {
			t.Errorf("scope %q missing %s", scope, s)
		}
	}
}

func TestCompleteWithIDToken(t *testing.T) {
	p := newProviderServer(t)
	store := credential.NewMemoryStore()
	v := &fakeVerifier{email: "user@example.com"}
	f := newTestFlow(p, store).WithVerifier(v)

	rec, err := f.Complete(context.Background(), "good")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if v.calls != 1 || p.userinfoCalls.Load() != 0 {
		t.Errorf("verifier calls = %d, userinfo calls = %d; want 1, 0", v.calls, p.userinfoCalls.Load())
	}

	got, err := store.Get(context.Background(), "user@example.com")
	if err != nil || got == nil {
		t.Fatalf("stored record = %v, %v", got, err)
	}
	want := credential.Record{
		Identity:      "user@example.com",
		AccessToken:   "access-1",
		RefreshToken:  "refresh-1",
		TokenEndpoint: p.URL + "/token",
		ClientID:      "client-id",
		ClientSecret:  "client-secret",
		Scopes:        Scopes,
		Expiry:        rec.Expiry,
	}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("stored record mismatch (-want +got):\n%s", diff)
	}
	if rec.Expiry.IsZero() {
		t.Error("Expiry not set from expires_in")
	}
}

func TestCompleteFallsBackToUserinfo(t *testing.T) {
	tests := []struct {
		name     string
		verifier IdentityVerifier
	}{
		{"NoVerifier", nil},
		{"VerifierRejects", &fakeVerifier{err: errors.New("bad signature")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProviderServer(t)
			store := credential.NewMemoryStore()
			f := newTestFlow(p, store)
			if tt.verifier != nil {
				f.WithVerifier(tt.verifier)
			}

			rec, err := f.Complete(context.Background(), "good")
			if err != nil {
				t.Fatalf("Complete() error = %v", err)
			}
			if rec.Identity != "user@example.com" {
				t.Errorf("Identity = %q, want canonical user@example.com", rec.Identity)
			}
			if p.userinfoCalls.Load() != 1 {
				t.Errorf("userinfo calls = %d, want 1", p.userinfoCalls.Load())
			}
			if store.UpsertCalls != 1 {
				t.Errorf("UpsertCalls = %d, want 1", store.UpsertCalls)
			}
		})
	}
}

func TestCompleteRejectsIncomplete(t *testing.T) {
	p := newProviderServer(t)
	store := credential.NewMemoryStore()
	f := newTestFlow(p, store)

	_, err := f.Complete(context.Background(), "no-refresh")
	var ie *IncompleteError
	if !errors.As(err, &ie) {
		t.Fatalf("Complete() error = %v, want *IncompleteError", err)
	}
	if diff := cmp.Diff([]string{"refresh_token"}, ie.Missing); diff != "" {
		t.Errorf("Missing mismatch (-want +got):\n%s", diff)
	}
	if store.UpsertCalls != 0 {
		t.Errorf("incomplete credential was stored")
	}
}

func TestCompleteExchangeFailure(t *testing.T) {
	p := newProviderServer(t)
	store := credential.NewMemoryStore()
	f := newTestFlow(p, store)

	_, err := f.Complete(context.Background(), "expired-code")
	if err == nil || !strings.Contains(err.Error(), "exchange code") {
		t.Fatalf("Complete() error = %v, want exchange failure", err)
	}
	if store.UpsertCalls != 0 {
		t.Error("credential stored after failed exchange")
	}
}

func TestOIDCVerifierRejectsMalformedToken(t *testing.T) {
	v := newVerifier(googleIssuer, &oidc.StaticKeySet{}, &oidc.Config{ClientID: "client-id"})
	if _, err := v.VerifyEmail(context.Background(), "not-a-jwt"); err == nil {
		t.Error("VerifyEmail() accepted a malformed token")
	}
}

func TestCallbackHandler(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantCode string
		wantErr  string
	}{
		{"Success", "state=s1&code=abc", "abc", ""},
		{"StateMismatch", "state=other&code=abc", "", "state mismatch"},
		{"Denied", "state=s1&error=access_denied", "", "access_denied"},
		{"NoCode", "state=s1", "", "no code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codeChan := make(chan string, 1)
			errChan := make(chan error, 1)
			h := newCallbackHandler("s1", codeChan, errChan)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest("GET", callbackPath+"?"+tt.query, nil))

			select {
			case code := <-codeChan:
				if code != tt.wantCode {
					t.Errorf("code = %q, want %q", code, tt.wantCode)
				}
			case err := <-errChan:
				if tt.wantErr == "" || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %v, want %q", err, tt.wantErr)
				}
			default:
				t.Fatal("handler produced neither code nor error")
			}
		})
	}
}

func TestNewState(t *testing.T) {
	a, err := NewState()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewState()
	if a == "" || a == b {
		t.Errorf("NewState() = %q, %q; want distinct non-empty values", a, b)
	}
}
