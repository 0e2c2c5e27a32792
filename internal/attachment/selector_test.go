package attachment

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	gmailv1 "google.golang.org/api/gmail/v1"
)

func part(id, filename string, body *gmailv1.MessagePartBody, children ...*gmailv1.MessagePart) *gmailv1.MessagePart {
	return &gmailv1.MessagePart{PartId: id, Filename: filename, Body: body, Parts: children}
}

func inline(s string) *gmailv1.MessagePartBody {
	return &gmailv1.MessagePartBody{Data: base64.URLEncoding.EncodeToString([]byte(s)), Size: int64(len(s))}
}

func remote(id string, size int64) *gmailv1.MessagePartBody {
	return &gmailv1.MessagePartBody{AttachmentId: id, Size: size}
}

func filenames(cs []Candidate) []string {
	var out []string
	for _, c := range cs {
		out = append(out, c.Filename)
	}
	return out
}

func TestSelectNestedOrder(t *testing.T) {
	// multipart/mixed
	//   multipart/alternative (text, html)
	//   a.csv
	//   multipart/mixed
	//     photo.png
	//     b.XLSX
	//     multipart/mixed
	//       c.xls
	//   notes.txt
	payload := part("", "", nil,
		part("0", "", nil, part("0.0", "", inline("hi")), part("0.1", "", inline("<p>hi</p>"))),
		part("1", "a.csv", inline("x,y\n")),
		part("2", "", nil,
			part("2.0", "photo.png", remote("img", 10)),
			part("2.1", "b.XLSX", remote("att-b", 20)),
			part("2.2", "", nil, part("2.2.0", "c.xls", inline("xls"))),
		),
		part("3", "notes.txt", inline("notes")),
	)

	got := NewSelector().Select("m1", payload)
	if diff := cmp.Diff([]string{"a.csv", "b.XLSX", "c.xls"}, filenames(got)); diff != "" {
		t.Errorf("Select() filenames mismatch (-want +got):\n%s", diff)
	}
	for _, c := range got {
		if c.MessageID != "m1" {
			t.Errorf("%s: MessageID = %q, want m1", c.Filename, c.MessageID)
		}
	}
	if got[1].Extension != "xlsx" {
		t.Errorf("Extension = %q, want lower-cased xlsx", got[1].Extension)
	}
	if got[1].Inline() || got[1].AttachmentID != "att-b" {
		t.Errorf("b.XLSX should be remote with attachment id att-b, got %+v", got[1])
	}
	if !got[0].Inline() {
		t.Errorf("a.csv should be inline, got %+v", got[0])
	}
}

func TestSelectDuplicateFilenames(t *testing.T) {
	payload := part("", "", nil,
		part("1", "report.csv", inline("one")),
		part("2", "report.csv", inline("two")),
	)
	got := NewSelector().Select("m1", payload)
	if len(got) != 2 {
		t.Fatalf("len(Select()) = %d, want 2", len(got))
	}
	if got[0].PartID != "1" || got[1].PartID != "2" {
		t.Errorf("part ids = %q, %q; want 1, 2", got[0].PartID, got[1].PartID)
	}
}

func TestSelectRootPart(t *testing.T) {
	// A single-part message whose root is the attachment itself.
	payload := part("", "export.csv", inline("a,b"))
	if got := NewSelector().Select("m1", payload); len(got) != 1 {
		t.Errorf("len(Select()) = %d, want 1", len(got))
	}
	if got := NewSelector().Select("m1", nil); got != nil {
		t.Errorf("Select(nil) = %v, want nil", got)
	}
}

func TestSelectorAllowed(t *testing.T) {
	s := NewSelector(".CSV", "tsv")
	tests := []struct {
		filename string
		want     bool
	}{
		{"data.csv", true},
		{"DATA.Csv", true},
		{"data.tsv", true},
		{"data.xlsx", false},
		{"csv", false},
		{"", false},
		{"archive.csv.zip", false},
	}
	for _, tt := range tests {
		if got := s.Allowed(tt.filename); got != tt.want {
			t.Errorf("Allowed(%q) = %v, want %v", tt.filename, got, tt.want)
		}
	}
}

func TestSelectBodyless(t *testing.T) {
	payload := part("", "", nil, part("1", "empty.csv", nil))
	got := NewSelector().Select("m1", payload)
	if len(got) != 1 {
		t.Fatalf("len(Select()) = %d, want 1", len(got))
	}
	if got[0].HasBody() {
		t.Errorf("HasBody() = true for a part without body")
	}
}

func TestDecode(t *testing.T) {
	content := []byte("id,name\n1,\xff\xfe ünïcode\n")
	padded := base64.URLEncoding.EncodeToString(content)
	unpadded := base64.RawURLEncoding.EncodeToString(content)

	for name, in := range map[string]string{"Padded": padded, "Unpadded": unpadded} {
		t.Run(name, func(t *testing.T) {
			got, err := Decode("f.csv", in)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if diff := cmp.Diff(content, got); diff != "" {
				t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	_, err := Decode("bad.csv", "not*base64!")
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("Decode(invalid) error = %v, want *DecodeError", err)
	}
	if decErr.Filename != "bad.csv" {
		t.Errorf("Filename = %q, want bad.csv", decErr.Filename)
	}
}
