// File: internal/normalize/encode.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outbound payload encoding for publish.

package normalize

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"unicode"

	"github.com/momentics/topicscope/api"
)

// Mode selects how publish input text becomes payload bytes.
type Mode string

const (
	ModeJSON   Mode = "json"
	ModeBase64 Mode = "base64"
	ModeText   Mode = "text"
)

// ParseMode validates a mode name. Empty selects text.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeText, nil
	case ModeJSON, ModeBase64, ModeText:
		return m, nil
	default:
		return "", api.Validationf("publish", api.ErrInvalidPayload, "unknown encoding %q (want json, base64 or text)", s)
	}
}

// Hint returns the encoding hint handed to drivers for m.
func (m Mode) Hint() string {
	switch m {
	case ModeJSON:
		return api.EncodingJSON
	case ModeBase64:
		return api.EncodingBinary
	default:
		return api.EncodingText
	}
}

// Encode converts input according to mode and returns the payload with its
// encoding hint. Malformed input yields a validation error.
func Encode(mode Mode, input string) ([]byte, string, error) {
	switch mode {
	case ModeJSON:
		p, err := reencodeJSON(input)
		if err != nil {
			return nil, "", api.Validationf("publish", api.ErrInvalidPayload, "invalid JSON: %v", err)
		}
		return p, mode.Hint(), nil
	case ModeBase64:
		p, err := decodeBase64(input)
		if err != nil {
			return nil, "", api.Validationf("publish", api.ErrInvalidPayload, "invalid base64: %v", err)
		}
		return p, mode.Hint(), nil
	case ModeText, "":
		return []byte(input), ModeText.Hint(), nil
	default:
		return nil, "", api.Validationf("publish", api.ErrInvalidPayload, "unknown encoding %q", mode)
	}
}

// reencodeJSON parses and re-serializes input. Numbers keep their literal
// form and HTML characters are not escaped.
func reencodeJSON(input string) ([]byte, error) {
	dec := json.NewDecoder(strings.NewReader(input))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if rest := strings.TrimSpace(input[dec.InputOffset():]); rest != "" {
		return nil, errTrailingData
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

var errTrailingData = errors.New("unexpected data after top-level value")

func decodeBase64(input string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, input)
	if clean == "" {
		return []byte{}, nil
	}
	return base64.StdEncoding.Strict().DecodeString(clean)
}
