package ingest

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/wesm/sheetvault/internal/blobstore"
	"github.com/wesm/sheetvault/internal/credential"
	"github.com/wesm/sheetvault/internal/gmail"
	"github.com/wesm/sheetvault/internal/store"
	gmailv1 "google.golang.org/api/gmail/v1"
)

var (
	testNow   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testSince = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
)

const testIdentity = "user@example.com"

// env wires a pipeline to a mock mailbox and an in-memory blob store.
type env struct {
	api      *gmail.MockAPI
	mem      *blobstore.Memory
	files    *blobstore.Files
	pipeline *Pipeline
	session  *credential.Session
}

func newEnv(opts Options) *env {
	api := gmail.NewMockAPI()
	mem := blobstore.NewMemory("https://cdn.example.com/attachments")
	files := blobstore.NewFiles(mem).WithClock(func() time.Time { return testNow })
	clients := func(ctx context.Context, s *credential.Session) (gmail.API, error) { return api, nil }
	return &env{
		api:      api,
		mem:      mem,
		files:    files,
		pipeline: New(clients, files, opts),
		session:  &credential.Session{Identity: testIdentity},
	}
}

func (e *env) sync(since time.Time) *Report {
	return e.pipeline.Sync(context.Background(), testIdentity, e.session, since)
}

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func inlinePart(id, filename, content string) *gmailv1.MessagePart {
	return &gmailv1.MessagePart{
		PartId:   id,
		Filename: filename,
		Body:     &gmailv1.MessagePartBody{Data: b64(content), Size: int64(len(content))},
	}
}

func remotePart(id, filename, attachmentID string) *gmailv1.MessagePart {
	return &gmailv1.MessagePart{
		PartId:   id,
		Filename: filename,
		Body:     &gmailv1.MessagePartBody{AttachmentId: attachmentID, Size: 10},
	}
}

// message builds a multipart/mixed message with a text body and parts.
func message(id string, date time.Time, parts ...*gmailv1.MessagePart) *gmail.Message {
	root := &gmailv1.MessagePart{
		MimeType: "multipart/mixed",
		Parts:    append([]*gmailv1.MessagePart{{PartId: "0", MimeType: "text/plain", Body: &gmailv1.MessagePartBody{Data: b64("see attached")}}}, parts...),
	}
	return &gmail.Message{ID: id, ThreadID: "thread_" + id, InternalDate: date.UnixMilli(), Payload: root}
}

// fakeIndex is an in-memory Index.
type fakeIndex struct {
	hashes  map[string]bool
	parts   map[string]bool
	records int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{hashes: map[string]bool{}, parts: map[string]bool{}}
}

func (f *fakeIndex) HasContent(ctx context.Context, identity, sha string) (bool, error) {
	return f.hashes[identity+"|"+sha], nil
}

func (f *fakeIndex) HasMessagePart(ctx context.Context, identity, messageID, partID, filename string) (bool, error) {
	return f.parts[identity+"|"+messageID+"|"+partID+"|"+filename], nil
}

func (f *fakeIndex) RecordIngested(ctx context.Context, obj store.IngestedObject) error {
	f.records++
	f.hashes[obj.Identity+"|"+obj.SHA256] = true
	f.parts[obj.Identity+"|"+obj.MessageID+"|"+obj.PartID+"|"+obj.Filename] = true
	return nil
}

// countingObserver tallies outcomes.
type countingObserver map[string]int

func (c countingObserver) ObserveAttachment(outcome string) { c[outcome]++ }
