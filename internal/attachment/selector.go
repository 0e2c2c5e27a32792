// Package attachment picks spreadsheet attachments out of Gmail message part
// trees and decodes their bodies.
package attachment

import (
	"path"
	"strings"

	gmailv1 "google.golang.org/api/gmail/v1"
)

// DefaultExtensions is the allow-list used when none is configured.
var DefaultExtensions = []string{"csv", "xls", "xlsx"}

// Candidate is a message part eligible for ingestion. Exactly one of Data
// and AttachmentID is normally set: Data for bodies Gmail returned inline,
// AttachmentID for bodies that need a second fetch.
type Candidate struct {
	MessageID    string
	PartID       string
	Filename     string
	MimeType     string
	Extension    string
	Size         int64
	Data         string // base64url, as returned by Gmail
	AttachmentID string
}

// Inline reports whether the body came with the message.
func (c Candidate) Inline() bool {
	return c.Data != ""
}

// HasBody reports whether the body can be resolved at all.
func (c Candidate) HasBody() bool {
	return c.Data != "" || c.AttachmentID != ""
}

// Selector filters message parts by filename extension.
type Selector struct {
	allowed map[string]bool
}

// NewSelector returns a Selector for the given extensions. Extensions are
// matched case-insensitively and may be given with or without a leading dot.
// An empty list selects DefaultExtensions.
func NewSelector(extensions ...string) *Selector {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	s := &Selector{allowed: make(map[string]bool, len(extensions))}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			s.allowed[ext] = true
		}
	}
	return s
}

// Select walks payload depth-first, root first, and returns the parts whose
// filename carries an allowed extension, in traversal order. Duplicate
// filenames are kept.
func (s *Selector) Select(messageID string, payload *gmailv1.MessagePart) []Candidate {
	var out []Candidate
	walkParts(payload, func(part *gmailv1.MessagePart) {
		ext, ok := s.match(part.Filename)
		if !ok {
			return
		}
		c := Candidate{
			MessageID: messageID,
			PartID:    part.PartId,
			Filename:  part.Filename,
			MimeType:  part.MimeType,
			Extension: ext,
		}
		if part.Body != nil {
			c.Size = part.Body.Size
			c.Data = part.Body.Data
			if c.Data == "" {
				c.AttachmentID = part.Body.AttachmentId
			}
		}
		out = append(out, c)
	})
	return out
}

// Allowed reports whether filename would be selected.
func (s *Selector) Allowed(filename string) bool {
	_, ok := s.match(filename)
	return ok
}

func (s *Selector) match(filename string) (string, bool) {
	if strings.TrimSpace(filename) == "" {
		return "", false
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" {
		return "", false
	}
	return ext, s.allowed[ext]
}

// walkParts recursively walks through message parts.
func walkParts(part *gmailv1.MessagePart, fn func(*gmailv1.MessagePart)) {
	if part == nil {
		return
	}

	fn(part)

	for _, subpart := range part.Parts {
		walkParts(subpart, fn)
	}
}
