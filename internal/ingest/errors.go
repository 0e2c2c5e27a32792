package ingest

import "fmt"

// FailureKind classifies a per-candidate failure.
type FailureKind string

const (
	KindFetch  FailureKind = "fetch"
	KindDecode FailureKind = "decode"
	KindStore  FailureKind = "store"
)

// Failure is one entry of Report.Failed. MessageID or Filename may be empty
// when the failure happened before a message or candidate was known.
type Failure struct {
	MessageID string      `json:"message_id,omitempty"`
	Filename  string      `json:"filename,omitempty"`
	Kind      FailureKind `json:"kind"`
	Reason    string      `json:"reason"`
}

// FetchError is a failed remote read from the mail service.
type FetchError struct {
	Op           string
	MessageID    string
	AttachmentID string
	Err          error
}

func (e *FetchError) Error() string {
	switch {
	case e.AttachmentID != "":
		return fmt.Sprintf("%s %s/%s: %v", e.Op, e.MessageID, e.AttachmentID, e.Err)
	case e.MessageID != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.MessageID, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }
