package gmail

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MockAPI is a mock implementation of the Gmail API for testing.
type MockAPI struct {
	mu sync.Mutex

	// Profile to return
	Profile *Profile

	// Messages indexed by ID
	Messages map[string]*Message

	// Attachments indexed by AttachmentKey(messageID, attachmentID)
	Attachments map[string]*Attachment

	// Message list pages - each page is a list of message IDs. When empty,
	// ListMessages returns every message, newest first.
	MessagePages [][]string

	// Error injection
	ProfileError       error
	ListMessagesError  error
	GetMessageError    map[string]error // Per-message errors
	GetAttachmentError map[string]error // Per-attachment errors, keyed like Attachments

	// Call tracking for assertions
	ProfileCalls       int
	ListMessagesCalls  int
	LastQuery          string // Last query passed to ListMessages
	GetMessageCalls    []string
	GetAttachmentCalls []string
	Closed             bool
}

// NewMockAPI creates a new mock API with empty state.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		Messages:           make(map[string]*Message),
		Attachments:        make(map[string]*Attachment),
		GetMessageError:    make(map[string]error),
		GetAttachmentError: make(map[string]error),
	}
}

// AttachmentKey builds the Attachments map key for an attachment.
func AttachmentKey(messageID, attachmentID string) string {
	return messageID + "/" + attachmentID
}

// GetProfile returns the mock profile.
func (m *MockAPI) GetProfile(ctx context.Context) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProfileCalls++

	if m.ProfileError != nil {
		return nil, m.ProfileError
	}
	if m.Profile == nil {
		return &Profile{
			EmailAddress:  "test@example.com",
			MessagesTotal: int64(len(m.Messages)),
		}, nil
	}
	return m.Profile, nil
}

// ListMessages returns mock message IDs with pagination. The query is only
// recorded; callers filter by date themselves.
func (m *MockAPI) ListMessages(ctx context.Context, query string, pageToken string) (*MessageListResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListMessagesCalls++
	m.LastQuery = query

	if m.ListMessagesError != nil {
		return nil, m.ListMessagesError
	}

	pageNum := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "page_%d", &pageNum); err != nil {
			return nil, fmt.Errorf("invalid page token: %s", pageToken)
		}
	}

	if len(m.MessagePages) == 0 {
		msgs := make([]*Message, 0, len(m.Messages))
		for _, msg := range m.Messages {
			msgs = append(msgs, msg)
		}
		sort.Slice(msgs, func(i, j int) bool {
			if msgs[i].InternalDate != msgs[j].InternalDate {
				return msgs[i].InternalDate > msgs[j].InternalDate
			}
			return msgs[i].ID < msgs[j].ID
		})
		refs := make([]MessageID, len(msgs))
		for i, msg := range msgs {
			refs[i] = MessageID{ID: msg.ID, ThreadID: msg.ThreadID}
		}
		return &MessageListResponse{
			Messages:           refs,
			ResultSizeEstimate: int64(len(refs)),
		}, nil
	}

	if pageNum >= len(m.MessagePages) {
		return &MessageListResponse{}, nil
	}

	page := m.MessagePages[pageNum]
	refs := make([]MessageID, len(page))
	for i, id := range page {
		refs[i] = MessageID{ID: id, ThreadID: "thread_" + id}
	}

	var nextPageToken string
	if pageNum+1 < len(m.MessagePages) {
		nextPageToken = fmt.Sprintf("page_%d", pageNum+1)
	}

	total := int64(0)
	for _, p := range m.MessagePages {
		total += int64(len(p))
	}

	return &MessageListResponse{
		Messages:           refs,
		NextPageToken:      nextPageToken,
		ResultSizeEstimate: total,
	}, nil
}

// GetMessage returns a mock message.
func (m *MockAPI) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetMessageCalls = append(m.GetMessageCalls, messageID)

	if err, ok := m.GetMessageError[messageID]; ok && err != nil {
		return nil, err
	}

	msg, ok := m.Messages[messageID]
	if !ok {
		return nil, &NotFoundError{Path: "/messages/" + messageID}
	}
	return msg, nil
}

// GetAttachment returns a mock attachment body.
func (m *MockAPI) GetAttachment(ctx context.Context, messageID, attachmentID string) (*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := AttachmentKey(messageID, attachmentID)
	m.GetAttachmentCalls = append(m.GetAttachmentCalls, key)

	if err, ok := m.GetAttachmentError[key]; ok && err != nil {
		return nil, err
	}

	att, ok := m.Attachments[key]
	if !ok {
		return nil, &NotFoundError{Path: "/messages/" + messageID + "/attachments/" + attachmentID}
	}
	return att, nil
}

// Close marks the mock as closed.
func (m *MockAPI) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// AddMessage adds messages to the mock store. Nil entries are skipped.
func (m *MockAPI) AddMessage(msgs ...*Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Messages == nil {
		m.Messages = make(map[string]*Message)
	}
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		m.Messages[msg.ID] = msg
	}
}

// AddAttachment registers an out-of-line attachment body.
func (m *MockAPI) AddAttachment(messageID, attachmentID, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Attachments == nil {
		m.Attachments = make(map[string]*Attachment)
	}
	m.Attachments[AttachmentKey(messageID, attachmentID)] = &Attachment{
		Data: data,
		Size: int64(len(data)),
	}
}

// Reset clears all state and call tracking.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Messages = make(map[string]*Message)
	m.Attachments = make(map[string]*Attachment)
	m.MessagePages = nil
	m.GetMessageError = make(map[string]error)
	m.GetAttachmentError = make(map[string]error)
	m.ProfileError = nil
	m.ListMessagesError = nil
	m.ProfileCalls = 0
	m.ListMessagesCalls = 0
	m.LastQuery = ""
	m.GetMessageCalls = nil
	m.GetAttachmentCalls = nil
	m.Closed = false
}

// Ensure MockAPI implements API interface.
var _ API = (*MockAPI)(nil)
