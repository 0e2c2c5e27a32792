package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wesm/sheetvault/internal/attachment"
	"github.com/wesm/sheetvault/internal/blobstore"
	"github.com/wesm/sheetvault/internal/config"
	"github.com/wesm/sheetvault/internal/credential"
	"github.com/wesm/sheetvault/internal/gmail"
	"github.com/wesm/sheetvault/internal/ingest"
	"github.com/wesm/sheetvault/internal/metrics"
	"github.com/wesm/sheetvault/internal/scheduler"
	"github.com/wesm/sheetvault/internal/store"
)

// app holds the components shared by serve, sync and the list commands.
type app struct {
	store    *store.Store
	creds    credential.Store
	blobs    blobstore.Store
	files    *blobstore.Files
	metrics  *metrics.Metrics
	sessions *credential.Manager
	pipeline *ingest.Pipeline
}

// openApp opens the database and wires credentials, storage and the
// ingestion pipeline from cfg.
func openApp(ctx context.Context) (*app, error) {
	st, err := store.Open(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	a := &app{store: st, metrics: metrics.New(nil)}

	a.creds, err = openCredentials(st)
	if err != nil {
		st.Close()
		return nil, err
	}

	a.blobs, err = openBlobStore(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.files = blobstore.NewFiles(a.blobs).WithLogger(logger)

	a.sessions = credential.NewManager(a.creds,
		credential.WithLogger(logger),
		credential.WithObserver(a.metrics),
	)

	dedup, err := ingest.ParseDedupPolicy(cfg.Sync.Dedup)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.pipeline = ingest.New(newClientFactory(cfg.Sync.RateLimitQPS), a.files, ingest.Options{
		Query: cfg.Sync.Query,
		Dedup: dedup,
	}).
		WithLogger(logger).
		WithIndex(st).
		WithSelector(attachment.NewSelector(cfg.Sync.Extensions...)).
		WithObserver(a.metrics)

	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// newScheduler builds a scheduler over the app's components.
func (a *app) newScheduler() (*scheduler.Scheduler, error) {
	since, err := cfg.InitialSince()
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(scheduler.Deps{
		Credentials: a.creds,
		Sessions:    a.sessions,
		Pipeline:    a.pipeline,
		Watermarks:  a.store,
		Runs:        a.store,
		Metrics:     a.metrics,
	}, scheduler.Options{
		Interval:     cfg.Sync.Interval,
		Schedule:     cfg.Sync.Schedule,
		Concurrency:  cfg.Sync.Concurrency,
		InitialSince: since,
	})
	if err != nil {
		return nil, err
	}
	return sched.WithLogger(logger), nil
}

// newClientFactory returns a factory creating one rate-limited Gmail client
// per identity and sweep. Gmail quota is per user, so limiters are not
// shared between identities.
func newClientFactory(qps float64) ingest.ClientFactory {
	return func(ctx context.Context, session *credential.Session) (gmail.API, error) {
		if session == nil || session.TokenSource == nil {
			return nil, errors.New("session has no token source")
		}
		return gmail.NewClient(session.TokenSource,
			gmail.WithLogger(logger.With("email", session.Identity)),
			gmail.WithRateLimiter(gmail.NewRateLimiter(qps)),
		), nil
	}
}

// openCredentials returns the configured credential store.
func openCredentials(st *store.Store) (credential.Store, error) {
	switch cfg.Credentials.Backend {
	case config.CredentialsKeyring:
		ks, err := credential.OpenKeyring(credential.KeyringConfig{
			ServiceName:  cfg.Credentials.KeyringService,
			FileDir:      cfg.KeyringDir(),
			FilePassword: cfg.Credentials.KeyringPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("open credential keyring: %w", err)
		}
		return ks, nil
	case config.CredentialsSQLite, "":
		return st.Credentials(), nil
	default:
		return nil, fmt.Errorf("unknown credentials backend %q", cfg.Credentials.Backend)
	}
}

// openBlobStore returns the configured object store, wrapped in a circuit
// breaker when enabled.
func openBlobStore(ctx context.Context, c *config.Config) (blobstore.Store, error) {
	var (
		backend blobstore.Store
		err     error
	)
	sc := c.Storage
	switch sc.Backend {
	case config.BackendSupabase:
		backend, err = blobstore.NewSupabase(blobstore.SupabaseConfig{
			URL:           sc.Supabase.URL,
			Key:           sc.Supabase.Key,
			Bucket:        sc.Bucket,
			PublicBaseURL: sc.PublicBaseURL,
		})
	case config.BackendS3:
		backend, err = blobstore.NewS3(ctx, blobstore.S3Config{
			Bucket:          sc.Bucket,
			Region:          sc.S3.Region,
			Endpoint:        sc.S3.Endpoint,
			AccessKeyID:     sc.S3.AccessKeyID,
			SecretAccessKey: sc.S3.SecretAccessKey,
			UsePathStyle:    sc.S3.UsePathStyle,
			PublicBaseURL:   sc.PublicBaseURL,
		})
	case config.BackendFS:
		backend, err = blobstore.NewDir(c.FilesDir(), localFilesURL(c))
	case config.BackendMemory:
		backend = blobstore.NewMemory(localFilesURL(c))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", sc.Backend, err)
	}

	if !sc.Breaker.Enabled {
		return backend, nil
	}
	bc := blobstore.DefaultBreakerConfig()
	if sc.Breaker.ConsecutiveFailures > 0 {
		bc.ConsecutiveFailures = sc.Breaker.ConsecutiveFailures
	}
	if sc.Breaker.OpenTimeout > 0 {
		bc.Timeout = sc.Breaker.OpenTimeout
	}
	return blobstore.NewBreaker(sc.Backend, backend, bc, logger), nil
}

// localFilesURL is the public prefix for objects the HTTP server serves
// itself under /files.
func localFilesURL(c *config.Config) string {
	if c.Storage.PublicBaseURL != "" {
		return c.Storage.PublicBaseURL
	}
	return "http://" + strings.TrimSuffix(c.ListenAddr(), "/") + "/files"
}
