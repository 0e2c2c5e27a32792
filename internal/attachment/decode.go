package attachment

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeError reports a body that is not valid base64url. Re-fetching the
// same body would fail the same way.
type DecodeError struct {
	Filename string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Filename, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode decodes a Gmail body, tolerating optional padding. If padding is
// present it must be correct.
func Decode(filename, s string) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	if strings.ContainsRune(s, '=') {
		b, err = base64.URLEncoding.DecodeString(s)
	} else {
		b, err = base64.RawURLEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, &DecodeError{Filename: filename, Err: err}
	}
	return b, nil
}
