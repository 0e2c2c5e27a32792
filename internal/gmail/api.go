// Package gmail provides a Gmail API client with quota limiting and retry logic.
package gmail

import (
	"context"

	gmailv1 "google.golang.org/api/gmail/v1"
)

// API is the subset of the Gmail API that attachment ingestion needs.
// This interface enables mocking for tests without hitting the real API.
type API interface {
	// GetProfile returns the authenticated user's profile.
	GetProfile(ctx context.Context) (*Profile, error)

	// ListMessages returns message IDs matching the query. The query is
	// passed to Gmail verbatim. Use pageToken for pagination.
	ListMessages(ctx context.Context, query string, pageToken string) (*MessageListResponse, error)

	// GetMessage fetches a single message with its full part tree.
	GetMessage(ctx context.Context, messageID string) (*Message, error)

	// GetAttachment fetches the body of an attachment stored out of line.
	GetAttachment(ctx context.Context, messageID, attachmentID string) (*Attachment, error)

	// Close releases any resources held by the client.
	Close() error
}

// Profile represents a Gmail user profile.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	HistoryID     uint64
}

// MessageListResponse contains a page of message IDs.
type MessageListResponse struct {
	Messages           []MessageID
	NextPageToken      string
	ResultSizeEstimate int64
}

// MessageID represents a message reference from list operations.
type MessageID struct {
	ID       string
	ThreadID string
}

// Message is a fetched message. Payload uses the Gmail API's own part
// representation, so nested multipart containers are preserved.
type Message struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	InternalDate int64 // Unix milliseconds
	SizeEstimate int64
	Payload      *gmailv1.MessagePart
}

// Attachment is an out-of-line attachment body. Data is still base64url
// encoded, exactly as Gmail returned it.
type Attachment struct {
	Data string
	Size int64
}
