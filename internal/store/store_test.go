package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/wesm/sheetvault/internal/credential"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	st.now = func() time.Time { return testNow }
	return st
}

func testRecord(identity string) credential.Record {
	return credential.Record{
		Identity:      identity,
		AccessToken:   "access-1",
		RefreshToken:  "refresh-1",
		TokenEndpoint: "https://oauth2.googleapis.com/token",
		ClientID:      "client-id",
		ClientSecret:  "client-secret",
		Scopes:        []string{"openid", "https://www.googleapis.com/auth/gmail.readonly"},
		Expiry:        testNow.Add(time.Hour),
	}
}

func TestOpenRejectsPostgres(t *testing.T) {
	if _, err := Open("postgres://user@localhost/db"); err == nil {
		t.Error("Open(postgres://...) should fail")
	}
}

func TestInitSchemaIdempotent(t *testing.T) {
	st := newTestStore(t)
	if err := st.InitSchema(); err != nil {
		t.Errorf("second InitSchema() error = %v", err)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cs := st.Credentials()

	got, err := cs.Get(ctx, "user@example.com")
	if err != nil || got != nil {
		t.Fatalf("Get() on empty store = %v, %v; want nil, nil", got, err)
	}

	rec := testRecord("User@Example.com")
	if err := cs.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, err = cs.Get(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	want := rec
	want.Identity = "user@example.com"
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestCredentialUpsertReplacesWholeRecord(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.UpsertCredential(ctx, testRecord("a@example.com")); err != nil {
		t.Fatal(err)
	}
	next := testRecord("a@example.com")
	next.AccessToken = "access-2"
	next.Expiry = testNow.Add(2 * time.Hour)
	if err := st.UpsertCredential(ctx, next); err != nil {
		t.Fatal(err)
	}

	all, err := st.ListCredentials(ctx)
	if err != nil {
		t.Fatalf("ListCredentials() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("len(ListCredentials()) = %d, want 1", len(all))
	}
	if diff := cmp.Diff(next, all[0]); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestCredentialConcurrentReadsSeeWholeRecords(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.UpsertCredential(ctx, testRecord("u@example.com")); err != nil {
		t.Fatal(err)
	}

	// Each write pairs token N with expiry +N minutes; a reader must never
	// see one without the other.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 20; i++ {
			rec := testRecord("u@example.com")
			rec.AccessToken = time.Duration(i).String()
			rec.Expiry = testNow.Add(time.Duration(i) * time.Minute)
			if err := st.UpsertCredential(ctx, rec); err != nil {
				t.Errorf("UpsertCredential() error = %v", err)
				return
			}
		}
	}()
	for i := 0; i < 20; i++ {
		got, err := st.GetCredential(ctx, "u@example.com")
		if err != nil {
			t.Fatalf("GetCredential() error = %v", err)
		}
		if got.AccessToken == "access-1" {
			continue
		}
		n := got.Expiry.Sub(testNow) / time.Minute
		if got.AccessToken != time.Duration(n).String() {
			t.Errorf("torn record: token %q with expiry +%dm", got.AccessToken, n)
		}
	}
	wg.Wait()
}

func TestListCredentialsOrdered(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	for _, id := range []string{"c@example.com", "a@example.com", "b@example.com"} {
		if err := st.UpsertCredential(ctx, testRecord(id)); err != nil {
			t.Fatal(err)
		}
	}
	all, err := st.ListCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range all {
		ids = append(ids, r.Identity)
	}
	if diff := cmp.Diff([]string{"a@example.com", "b@example.com", "c@example.com"}, ids); diff != "" {
		t.Errorf("identities mismatch (-want +got):\n%s", diff)
	}
}

func TestWatermarkOnlyAdvances(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	got, err := st.GetWatermark(ctx, "u@example.com")
	if err != nil || !got.IsZero() {
		t.Fatalf("GetWatermark() = %v, %v; want zero, nil", got, err)
	}

	t1 := time.UnixMilli(1_700_000_000_123).UTC()
	t0 := t1.Add(-time.Hour)
	for _, mark := range []time.Time{t1, t0, {}} {
		if err := st.AdvanceWatermark(ctx, "u@example.com", mark); err != nil {
			t.Fatalf("AdvanceWatermark(%v) error = %v", mark, err)
		}
	}
	got, err = st.GetWatermark(ctx, "U@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(t1) {
		t.Errorf("GetWatermark() = %v, want %v", got, t1)
	}
}

func TestIngestedIndex(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	obj := IngestedObject{
		Identity:  "u@example.com",
		MessageID: "m1",
		PartID:    "1",
		Filename:  "report.csv",
		SHA256:    "abc",
		Path:      "u_at_example.com/20260301_120000_report.csv",
		Size:      10,
	}
	if err := st.RecordIngested(ctx, obj); err != nil {
		t.Fatalf("RecordIngested() error = %v", err)
	}

	tests := []struct {
		name string
		fn   func() (bool, error)
		want bool
	}{
		{"SameHash", func() (bool, error) { return st.HasContent(ctx, "u@example.com", "abc") }, true},
		{"OtherHash", func() (bool, error) { return st.HasContent(ctx, "u@example.com", "def") }, false},
		{"OtherIdentity", func() (bool, error) { return st.HasContent(ctx, "v@example.com", "abc") }, false},
		{"SamePart", func() (bool, error) { return st.HasMessagePart(ctx, "u@example.com", "m1", "1", "report.csv") }, true},
		{"OtherPart", func() (bool, error) { return st.HasMessagePart(ctx, "u@example.com", "m1", "2", "report.csv") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	list, err := st.ListIngested(ctx, "u@example.com", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || !list[0].IngestedAt.Equal(testNow) {
		t.Errorf("ListIngested() = %+v", list)
	}

	stats, err := st.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.IngestedObjects != 1 || stats.IngestedBytes != 10 {
		t.Errorf("GetStats() = %+v", stats)
	}
}
