// Package ingest runs the per-identity attachment ingestion: query the
// mailbox, select spreadsheet attachments, fetch and decode them, and hand
// the bytes to the blob store.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wesm/sheetvault/internal/attachment"
	"github.com/wesm/sheetvault/internal/blobstore"
	"github.com/wesm/sheetvault/internal/credential"
	"github.com/wesm/sheetvault/internal/gmail"
	"github.com/wesm/sheetvault/internal/store"
)

// ClientFactory builds a mail client for a session.
type ClientFactory func(ctx context.Context, session *credential.Session) (gmail.API, error)

// FileStore persists decoded attachments. *blobstore.Files implements it.
type FileStore interface {
	Put(ctx context.Context, identity, filename string, data []byte) (blobstore.StoredObject, error)
}

// Index remembers what was stored so repeated windows can be suppressed.
// *store.Store implements it.
type Index interface {
	HasContent(ctx context.Context, identity, sha256 string) (bool, error)
	HasMessagePart(ctx context.Context, identity, messageID, partID, filename string) (bool, error)
	RecordIngested(ctx context.Context, obj store.IngestedObject) error
}

// Observer receives one call per candidate with its outcome: "stored",
// "skipped", or a FailureKind.
type Observer interface {
	ObserveAttachment(outcome string)
}

// Outcomes reported to an Observer besides the failure kinds.
const (
	OutcomeStored  = "stored"
	OutcomeSkipped = "skipped"
)

// DedupPolicy decides which candidates count as already ingested.
type DedupPolicy string

const (
	// DedupNone stores every candidate, so overlapping windows store
	// duplicates under new paths.
	DedupNone DedupPolicy = "none"
	// DedupContentHash skips bytes whose SHA-256 was already stored for
	// the identity.
	DedupContentHash DedupPolicy = "content-hash"
	// DedupMessageKey skips (message id, part id, filename) already stored.
	DedupMessageKey DedupPolicy = "message-key"
)

// ParseDedupPolicy validates a configured policy name. Empty means none.
func ParseDedupPolicy(s string) (DedupPolicy, error) {
	switch p := DedupPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", DedupNone:
		return DedupNone, nil
	case DedupContentHash, DedupMessageKey:
		return p, nil
	default:
		return "", fmt.Errorf("unknown dedup policy %q (want none, content-hash or message-key)", s)
	}
}

// Options configures a Pipeline.
type Options struct {
	// Query holds extra Gmail search terms appended to the attachment
	// query, e.g. "in:inbox".
	Query string

	// Dedup is the duplicate suppression policy. Policies other than
	// DedupNone need an Index.
	Dedup DedupPolicy
}

// Report is the outcome of one Sync.
type Report struct {
	Identity     string                   `json:"email"`
	Since        time.Time                `json:"since"`
	MessagesSeen int                      `json:"messages_seen"`
	Stored       int                      `json:"stored"`
	Skipped      int                      `json:"skipped"`
	Failed       []Failure                `json:"failed"`
	Watermark    time.Time                `json:"watermark"`
	Objects      []blobstore.StoredObject `json:"objects,omitempty"`
	Duration     time.Duration            `json:"duration"`
}

func (r *Report) fail(f Failure) {
	r.Failed = append(r.Failed, f)
}

// Pipeline ingests one identity's attachments per call to Sync.
type Pipeline struct {
	clients  ClientFactory
	files    FileStore
	index    Index
	selector *attachment.Selector
	observer Observer
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
}

// New creates a Pipeline.
func New(clients ClientFactory, files FileStore, opts Options) *Pipeline {
	if opts.Dedup == "" {
		opts.Dedup = DedupNone
	}
	return &Pipeline{
		clients:  clients,
		files:    files,
		selector: attachment.NewSelector(),
		logger:   slog.Default(),
		opts:     opts,
		now:      time.Now,
	}
}

// WithLogger sets the logger.
func (p *Pipeline) WithLogger(logger *slog.Logger) *Pipeline {
	p.logger = logger
	return p
}

// WithIndex sets the ingested-object index.
func (p *Pipeline) WithIndex(idx Index) *Pipeline {
	p.index = idx
	return p
}

// WithSelector replaces the default csv/xls/xlsx selector.
func (p *Pipeline) WithSelector(s *attachment.Selector) *Pipeline {
	p.selector = s
	return p
}

// WithObserver sets the per-candidate outcome observer.
func (p *Pipeline) WithObserver(o Observer) *Pipeline {
	p.observer = o
	return p
}

// BuildQuery returns the Gmail search query for messages with attachments
// received on or after since. Gmail's after: takes unix seconds, so since
// is floored to the second and exact filtering happens on InternalDate.
func BuildQuery(since time.Time, extra string) string {
	terms := []string{"has:attachment"}
	if !since.IsZero() {
		terms = append(terms, fmt.Sprintf("after:%d", since.Unix()))
	}
	if extra = strings.TrimSpace(extra); extra != "" {
		terms = append(terms, extra)
	}
	return strings.Join(terms, " ")
}

// messageOutcome is a processed message's date and whether every
// candidate in it was handled without failure.
type messageOutcome struct {
	date int64
	ok   bool
}

// Sync ingests identity's attachments received on or after since. It never
// returns an error: every failure is isolated to its candidate or message
// and recorded in the report.
func (p *Pipeline) Sync(ctx context.Context, identity string, session *credential.Session, since time.Time) *Report {
	start := p.now()
	identity = credential.Canonical(identity)
	rep := &Report{Identity: identity, Since: since, Failed: []Failure{}}
	defer func() { rep.Duration = p.now().Sub(start) }()

	client, err := p.clients(ctx, session)
	if err != nil {
		p.recordFailure(rep, Failure{Kind: KindFetch, Reason: fmt.Sprintf("create mail client: %v", err)}, err)
		return rep
	}
	defer client.Close()

	query := BuildQuery(since, p.opts.Query)
	refs, err := p.listAll(ctx, client, query)
	if err != nil {
		p.recordFailure(rep, Failure{Kind: KindFetch, Reason: err.Error()}, err)
		return rep
	}

	p.logger.Debug("listed messages", "email", identity, "query", query, "count", len(refs))

	sinceMs := int64(0)
	if !since.IsZero() {
		sinceMs = since.UnixMilli()
	}

	var (
		outcomes []messageOutcome
		blocked  bool // a failure with an unknown message date
	)
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			p.recordFailure(rep, Failure{Kind: KindFetch, Reason: fmt.Sprintf("sync interrupted: %v", err)}, err)
			blocked = true
			break
		}

		msg, err := client.GetMessage(ctx, ref.ID)
		if err != nil {
			ferr := &FetchError{Op: "get message", MessageID: ref.ID, Err: err}
			p.recordFailure(rep, Failure{MessageID: ref.ID, Kind: KindFetch, Reason: ferr.Error()}, ferr)
			blocked = true
			continue
		}
		rep.MessagesSeen++

		// The query is only second-granular; drop anything before since.
		if msg.InternalDate < sinceMs {
			continue
		}

		ok := p.ingestMessage(ctx, client, identity, msg, rep)
		outcomes = append(outcomes, messageOutcome{date: msg.InternalDate, ok: ok})
	}

	if !blocked {
		rep.Watermark = watermark(outcomes)
	}

	p.logger.Info("sync finished",
		"email", identity,
		"messages", rep.MessagesSeen,
		"stored", rep.Stored,
		"skipped", rep.Skipped,
		"failed", len(rep.Failed),
	)
	return rep
}

// listAll follows every page of the query.
func (p *Pipeline) listAll(ctx context.Context, client gmail.API, query string) ([]gmail.MessageID, error) {
	var (
		refs      []gmail.MessageID
		pageToken string
	)
	for {
		resp, err := client.ListMessages(ctx, query, pageToken)
		if err != nil {
			return nil, &FetchError{Op: "list messages", Err: err}
		}
		refs = append(refs, resp.Messages...)
		if resp.NextPageToken == "" {
			return refs, nil
		}
		pageToken = resp.NextPageToken
	}
}

// ingestMessage handles every candidate in msg and reports whether all of
// them were stored or deliberately skipped.
func (p *Pipeline) ingestMessage(ctx context.Context, client gmail.API, identity string, msg *gmail.Message, rep *Report) bool {
	ok := true
	for _, c := range p.selector.Select(msg.ID, msg.Payload) {
		if !p.ingestCandidate(ctx, client, identity, c, rep) {
			ok = false
		}
	}
	return ok
}

func (p *Pipeline) ingestCandidate(ctx context.Context, client gmail.API, identity string, c attachment.Candidate, rep *Report) bool {
	fail := func(kind FailureKind, err error) bool {
		p.recordFailure(rep, Failure{MessageID: c.MessageID, Filename: c.Filename, Kind: kind, Reason: err.Error()}, err)
		return false
	}

	if !c.HasBody() {
		p.skip(rep, identity, c, "no body")
		return true
	}

	encoded := c.Data
	if !c.Inline() {
		att, err := client.GetAttachment(ctx, c.MessageID, c.AttachmentID)
		if err != nil {
			return fail(KindFetch, &FetchError{Op: "get attachment", MessageID: c.MessageID, AttachmentID: c.AttachmentID, Err: err})
		}
		encoded = att.Data
	}

	data, err := attachment.Decode(c.Filename, encoded)
	if err != nil {
		return fail(KindDecode, err)
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	dup, err := p.seen(ctx, identity, c, digest)
	if err != nil {
		return fail(KindStore, fmt.Errorf("dedup lookup: %w", err))
	}
	if dup {
		p.skip(rep, identity, c, "already ingested")
		return true
	}

	obj, err := p.files.Put(ctx, identity, c.Filename, data)
	if err != nil {
		return fail(KindStore, err)
	}
	rep.Stored++
	rep.Objects = append(rep.Objects, obj)
	p.observe(OutcomeStored)

	if p.index != nil {
		rec := store.IngestedObject{
			Identity:   identity,
			MessageID:  c.MessageID,
			PartID:     c.PartID,
			Filename:   c.Filename,
			SHA256:     digest,
			Path:       obj.Path,
			Size:       obj.Size,
			IngestedAt: obj.IngestedAt,
		}
		if err := p.index.RecordIngested(ctx, rec); err != nil {
			// The object is stored; only future suppression is affected.
			p.logger.Warn("record ingested object", "email", identity, "path", obj.Path, "error", err)
		}
	}
	return true
}

// seen applies the dedup policy.
func (p *Pipeline) seen(ctx context.Context, identity string, c attachment.Candidate, digest string) (bool, error) {
	if p.index == nil {
		return false, nil
	}
	switch p.opts.Dedup {
	case DedupContentHash:
		return p.index.HasContent(ctx, identity, digest)
	case DedupMessageKey:
		return p.index.HasMessagePart(ctx, identity, c.MessageID, c.PartID, c.Filename)
	default:
		return false, nil
	}
}

func (p *Pipeline) skip(rep *Report, identity string, c attachment.Candidate, reason string) {
	rep.Skipped++
	p.observe(OutcomeSkipped)
	p.logger.Debug("skipped attachment", "email", identity, "message", c.MessageID, "filename", c.Filename, "reason", reason)
}

func (p *Pipeline) recordFailure(rep *Report, f Failure, err error) {
	rep.fail(f)
	p.observe(string(f.Kind))
	attrs := []any{"email", rep.Identity, "kind", f.Kind, "error", err}
	if f.MessageID != "" {
		attrs = append(attrs, "message", f.MessageID)
	}
	if f.Filename != "" {
		attrs = append(attrs, "filename", f.Filename)
	}
	var nf *gmail.NotFoundError
	if errors.As(err, &nf) {
		// Deleted between list and fetch; not worth a warning.
		p.logger.Info("mail item no longer exists", attrs...)
		return
	}
	p.logger.Warn("attachment failed", attrs...)
}

func (p *Pipeline) observe(outcome string) {
	if p.observer != nil {
		p.observer.ObserveAttachment(outcome)
	}
}

// watermark returns the latest date among fully ingested messages that
// are strictly older than the oldest message with a failure, so that the
// next window still covers every failed message.
func watermark(outcomes []messageOutcome) time.Time {
	var (
		oldestFail int64
		haveFail   bool
	)
	for _, o := range outcomes {
		if !o.ok && (!haveFail || o.date < oldestFail) {
			oldestFail, haveFail = o.date, true
		}
	}
	var (
		mark int64
		have bool
	)
	for _, o := range outcomes {
		if !o.ok || (haveFail && o.date >= oldestFail) {
			continue
		}
		if !have || o.date > mark {
			mark, have = o.date, true
		}
	}
	if !have {
		return time.Time{}
	}
	return time.UnixMilli(mark).UTC()
}
