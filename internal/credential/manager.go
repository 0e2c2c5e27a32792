package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultExpirySkew treats tokens expiring within this window as expired.
	DefaultExpirySkew = time.Minute

	// DefaultRefreshTimeout bounds the single refresh call.
	DefaultRefreshTimeout = 30 * time.Second

	// persistTimeout bounds writing a refreshed record back to the store.
	persistTimeout = 10 * time.Second
)

// RefreshObserver is notified of each refresh attempt ("ok" or "error").
type RefreshObserver interface {
	ObserveRefresh(result string)
}

// Manager hands out usable sessions, refreshing expired credentials against
// the identity provider and writing the result back to the Store.
type Manager struct {
	store          Store
	httpClient     *http.Client
	logger         *slog.Logger
	observer       RefreshObserver
	now            func() time.Time
	skew           time.Duration
	refreshTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex // identity -> refresh lock
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient sets the HTTP client used for token refresh.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithExpirySkew sets how early a token is considered expired.
func WithExpirySkew(d time.Duration) ManagerOption {
	return func(m *Manager) { m.skew = d }
}

// WithRefreshTimeout sets the deadline for a refresh call.
func WithRefreshTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.refreshTimeout = d }
}

// WithObserver sets a refresh observer (metrics).
func WithObserver(o RefreshObserver) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// NewManager creates a Manager backed by store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:          store,
		logger:         slog.Default(),
		now:            time.Now,
		skew:           DefaultExpirySkew,
		refreshTimeout: DefaultRefreshTimeout,
		locks:          make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Obtain returns a session for rec, refreshing the access token first when
// it has expired. Errors are always *AuthError.
func (m *Manager) Obtain(ctx context.Context, rec Record) (*Session, error) {
	if !rec.Unattended() {
		return nil, &AuthError{
			Identity: rec.Identity,
			Reason:   fmt.Sprintf("interactive-only credential (missing %v)", rec.Missing()),
		}
	}
	if m.valid(rec) {
		return m.session(rec), nil
	}

	lock := m.lockFor(rec.Identity)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited.
	current, err := m.store.Get(ctx, rec.Identity)
	if err != nil {
		return nil, &AuthError{Identity: rec.Identity, Reason: "load credential", Err: err}
	}
	if current != nil {
		if m.valid(*current) {
			return m.session(*current), nil
		}
		rec = *current
	}

	refreshed, err := m.refresh(ctx, rec)
	if err != nil {
		m.observe("error")
		return nil, err
	}
	m.observe("ok")
	return m.session(refreshed), nil
}

// ObtainIdentity loads the record for identity and obtains a session for it.
func (m *Manager) ObtainIdentity(ctx context.Context, identity string) (*Session, error) {
	identity = Canonical(identity)
	rec, err := m.store.Get(ctx, identity)
	if err != nil {
		return nil, &AuthError{Identity: identity, Reason: "load credential", Err: err}
	}
	if rec == nil {
		return nil, &AuthError{Identity: identity, Reason: "no credential stored"}
	}
	return m.Obtain(ctx, *rec)
}

func (m *Manager) valid(rec Record) bool {
	return rec.AccessToken != "" && rec.Expiry.After(m.now().Add(m.skew))
}

func (m *Manager) session(rec Record) *Session {
	return &Session{
		Identity:    rec.Identity,
		Record:      rec,
		TokenSource: oauth2.StaticTokenSource(rec.Token()),
	}
}

// refresh performs exactly one token request and persists the new record.
func (m *Manager) refresh(ctx context.Context, rec Record) (Record, error) {
	if rec.TokenEndpoint == "" {
		return Record{}, &AuthError{Identity: rec.Identity, Reason: "no token endpoint"}
	}

	refreshCtx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()
	if m.httpClient != nil {
		refreshCtx = context.WithValue(refreshCtx, oauth2.HTTPClient, m.httpClient)
	}

	conf := &oauth2.Config{
		ClientID:     rec.ClientID,
		ClientSecret: rec.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: rec.TokenEndpoint},
		Scopes:       rec.Scopes,
	}
	// An expired token forces the token source to refresh on first use.
	stale := &oauth2.Token{RefreshToken: rec.RefreshToken, Expiry: time.Unix(1, 0)}

	start := m.now()
	tok, err := conf.TokenSource(refreshCtx, stale).Token()
	if err != nil {
		reason := "token refresh failed"
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode != "" {
			reason = "token refresh rejected: " + rerr.ErrorCode
		}
		m.logger.Warn("token refresh failed", "email", rec.Identity, "error", err)
		return Record{}, &AuthError{Identity: rec.Identity, Reason: reason, Err: err}
	}

	next := rec
	next.AccessToken = tok.AccessToken
	next.Expiry = tok.Expiry
	if next.Expiry.IsZero() {
		// Providers that omit expires_in: assume the usual hour.
		next.Expiry = start.Add(time.Hour)
	}

	// Persist under its own deadline, not the refresh one.
	persistCtx, cancelPersist := context.WithTimeout(ctx, persistTimeout)
	defer cancelPersist()
	if err := m.store.Upsert(persistCtx, next); err != nil {
		return Record{}, &AuthError{Identity: rec.Identity, Reason: "save refreshed credential", Err: err}
	}

	m.logger.Debug("refreshed token", "email", rec.Identity, "expiry", next.Expiry)
	return next, nil
}

func (m *Manager) lockFor(identity string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[identity]
	if !ok {
		l = &sync.Mutex{}
		m.locks[identity] = l
	}
	return l
}

func (m *Manager) observe(result string) {
	if m.observer != nil {
		m.observer.ObserveRefresh(result)
	}
}
