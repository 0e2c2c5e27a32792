package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"
)

const quotaExceededMsg = "Quota exceeded for quota metric 'Queries'"

// gmailErrorBody builds a Gmail API error response JSON body.
// Optional fields (message, errors, details) are included only when non-zero.
func gmailErrorBody(code int, message string, errors []map[string]string, details []map[string]string) []byte {
	inner := map[string]any{"code": code}
	if message != "" {
		inner["message"] = message
	}
	if errors != nil {
		inner["errors"] = errors
	}
	if details != nil {
		inner["details"] = details
	}
	b, err := json.Marshal(map[string]any{"error": inner})
	if err != nil {
		panic(fmt.Sprintf("failed to marshal test body: %v", err))
	}
	return b
}

func errorWithReason(reason string) []byte {
	return gmailErrorBody(403, "", []map[string]string{{"reason": reason}}, nil)
}

func errorWithDetail(reason string) []byte {
	return gmailErrorBody(403, "", nil, []map[string]string{{"reason": reason}})
}

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want bool
	}{
		{
			name: "RateLimitExceeded",
			body: errorWithReason("rateLimitExceeded"),
			want: true,
		},
		{
			name: "RateLimitExceededByMessage",
			body: gmailErrorBody(403, quotaExceededMsg, []map[string]string{{"reason": "rateLimitExceeded"}}, nil),
			want: true,
		},
		{
			name: "RateLimitExceededUpperCase",
			body: errorWithDetail("RATE_LIMIT_EXCEEDED"),
			want: true,
		},
		{
			name: "QuotaExceeded",
			body: gmailErrorBody(403, quotaExceededMsg, nil, nil),
			want: true,
		},
		{
			name: "UserRateLimitExceeded",
			body: errorWithReason("userRateLimitExceeded"),
			want: true,
		},
		{
			name: "PermissionDenied",
			body: errorWithReason("forbidden"),
			want: false,
		},
		{
			name: "EmptyBody",
			body: []byte{},
			want: false,
		},
		{
			name: "InvalidJSON",
			body: []byte("not valid json but contains rateLimitExceeded"),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRateLimitError(tt.body); got != tt.want {
				t.Errorf("isRateLimitError() = %v, want %v", got, tt.want)
			}
		})
	}
}

// newTestClient returns a client pointed at an httptest server.
func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		WithBaseURL(srv.URL),
		WithMaxRetries(2),
	)
}

func TestClientGetMessage(t *testing.T) {
	var gotAuth, gotFormat string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/messages/m1" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotFormat = r.URL.Query().Get("format")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "m1", "threadId": "t1", "internalDate": "1709294400000",
			"payload": {"mimeType": "multipart/mixed", "parts": [
				{"partId": "0", "mimeType": "text/plain", "body": {"data": "aGk"}},
				{"partId": "1", "filename": "data.xlsx", "body": {"attachmentId": "att-1", "size": 42}}
			]}
		}`)
	}))

	msg, err := c.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotFormat != "full" {
		t.Errorf("format = %q, want full", gotFormat)
	}
	if msg.InternalDate != 1709294400000 {
		t.Errorf("InternalDate = %d, want 1709294400000", msg.InternalDate)
	}
	if len(msg.Payload.Parts) != 2 {
		t.Fatalf("len(Payload.Parts) = %d, want 2", len(msg.Payload.Parts))
	}
	if got := msg.Payload.Parts[1].Body.AttachmentId; got != "att-1" {
		t.Errorf("AttachmentId = %q, want att-1", got)
	}
}

func TestClientListMessagesQuery(t *testing.T) {
	var gotQuery, gotToken string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotToken = r.URL.Query().Get("pageToken")
		fmt.Fprint(w, `{"messages":[{"id":"a","threadId":"ta"},{"id":"b","threadId":"tb"}],"nextPageToken":"next","resultSizeEstimate":2}`)
	}))

	resp, err := c.ListMessages(context.Background(), "has:attachment after:1700000000", "tok")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if gotQuery != "has:attachment after:1700000000" {
		t.Errorf("q = %q, want verbatim query", gotQuery)
	}
	if gotToken != "tok" {
		t.Errorf("pageToken = %q, want tok", gotToken)
	}
	want := []MessageID{{ID: "a", ThreadID: "ta"}, {ID: "b", ThreadID: "tb"}}
	if diff := cmp.Diff(want, resp.Messages); diff != "" {
		t.Errorf("Messages mismatch (-want +got):\n%s", diff)
	}
	if resp.NextPageToken != "next" {
		t.Errorf("NextPageToken = %q, want next", resp.NextPageToken)
	}
}

func TestClientGetAttachment(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/messages/m1/attachments/att-1" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"data":"YSxiCjEsMgo","size":8}`)
	}))

	att, err := c.GetAttachment(context.Background(), "m1", "att-1")
	if err != nil {
		t.Fatalf("GetAttachment() error = %v", err)
	}
	if att.Data != "YSxiCjEsMgo" || att.Size != 8 {
		t.Errorf("GetAttachment() = %+v", att)
	}
}

func TestClientNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := c.GetMessage(context.Background(), "gone")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("GetMessage() error = %v, want *NotFoundError", err)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"emailAddress":"user@example.com","messagesTotal":3,"historyId":"77"}`)
	}))

	p, err := c.GetProfile(context.Background())
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if p.EmailAddress != "user@example.com" || p.HistoryID != 77 {
		t.Errorf("GetProfile() = %+v", p)
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	if _, err := c.GetProfile(context.Background()); err == nil {
		t.Fatal("GetProfile() expected error after retries")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls.Load())
	}
}
