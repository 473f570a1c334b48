// File: internal/normalize/normalizer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Payload classification for inbound samples. The pipeline is
// deterministic and runs in this order:
//
//   empty            -> binary, empty text
//   invalid UTF-8    -> binary
//   '{' or '[' + parses -> json
//   >= 90% printable -> text
//   otherwise        -> binary
//
// The base64 form of the original bytes is always retained.

package normalize

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"unicode/utf8"

	"github.com/momentics/topicscope/api"
)

// printableRatio is the minimum share of non-control runes for text.
const printableRatio = 0.9

// DecodeHook lets a caller decode payloads it recognises (for example by
// schema registered per key). Returning ok=false falls back to Classify.
type DecodeHook func(key string, payload []byte) (value json.RawMessage, ok bool)

// Result is the outcome of classifying one payload.
type Result struct {
	Classification api.Classification
	JSON           json.RawMessage
	Text           *string
	RawBase64      string
}

// Classify infers the shape of payload.
func Classify(payload []byte) Result {
	res := Result{RawBase64: base64.StdEncoding.EncodeToString(payload)}
	if len(payload) == 0 {
		empty := ""
		res.Classification = api.ClassBinary
		res.Text = &empty
		return res
	}
	if !utf8.Valid(payload) {
		res.Classification = api.ClassBinary
		return res
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		res.Classification = api.ClassJSON
		res.JSON = append(json.RawMessage(nil), trimmed...)
		return res
	}

	if mostlyPrintable(payload) {
		text := string(payload)
		res.Classification = api.ClassText
		res.Text = &text
		return res
	}
	res.Classification = api.ClassBinary
	return res
}

// ClassifyWith consults hook before the default pipeline.
func ClassifyWith(key string, payload []byte, hook DecodeHook) Result {
	if hook != nil && len(payload) > 0 {
		if v, ok := hook(key, payload); ok && json.Valid(v) {
			return Result{
				Classification: api.ClassJSON,
				JSON:           v,
				RawBase64:      base64.StdEncoding.EncodeToString(payload),
			}
		}
	}
	return Classify(payload)
}

func mostlyPrintable(p []byte) bool {
	total, control := 0, 0
	for len(p) > 0 {
		r, size := utf8.DecodeRune(p)
		p = p[size:]
		total++
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			control++
		}
	}
	return float64(total-control) >= printableRatio*float64(total)
}
