// File: driver/gateway/extract.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sample field extraction. Gateways differ in how they shape a sample, so
// each field is read through an ordered table of named strategies; the
// first strategy that yields a value wins.

package gateway

import (
	"encoding/base64"
	"math"
	"strings"
	"time"
)

type topicStrategy struct {
	name string
	get  func(map[string]any) (string, bool)
}

type payloadStrategy struct {
	name string
	get  func(map[string]any) ([]byte, bool)
}

type timestampStrategy struct {
	name string
	get  func(map[string]any) (int64, bool)
}

var topicStrategies = []topicStrategy{
	{"key_expr", stringField("key_expr")},
	{"keyexpr", stringField("keyexpr")},
	{"key", stringField("key")},
	{"nested key_expr", nestedString("key_expr", "value", "str")},
	{"nested key", nestedString("key", "value", "str")},
}

var payloadStrategies = []payloadStrategy{
	{"base64 field", base64Field("payload_b64")},
	{"byte array", func(m map[string]any) ([]byte, bool) { return byteArray(m["payload"]) }},
	{"buffer object", bufferObject("payload")},
	{"string", func(m map[string]any) ([]byte, bool) {
		s, ok := m["payload"].(string)
		return []byte(s), ok
	}},
}

var timestampStrategies = []timestampStrategy{
	{"epoch number", func(m map[string]any) (int64, bool) { return epochMillis(m["timestamp"]) }},
	{"iso string", func(m map[string]any) (int64, bool) { return isoMillis(m["timestamp"]) }},
	{"ms accessor", func(m map[string]any) (int64, bool) {
		obj, ok := m["timestamp"].(map[string]any)
		if !ok {
			return 0, false
		}
		return epochMillis(obj["ms"])
	}},
	{"date accessor", func(m map[string]any) (int64, bool) {
		obj, ok := m["timestamp"].(map[string]any)
		if !ok {
			return 0, false
		}
		return isoMillis(obj["date"])
	}},
}

// extractTopic returns the sample key.
func extractTopic(m map[string]any) (string, bool) {
	for _, s := range topicStrategies {
		if v, ok := s.get(m); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// extractPayload returns the sample bytes. A sample without any payload
// member yields an empty payload.
func extractPayload(m map[string]any) []byte {
	for _, s := range payloadStrategies {
		if v, ok := s.get(m); ok {
			return v
		}
	}
	return []byte{}
}

// extractTimestamp returns ms since epoch, or zero.
func extractTimestamp(m map[string]any) int64 {
	for _, s := range timestampStrategies {
		if v, ok := s.get(m); ok {
			return v
		}
	}
	return 0
}

func stringField(name string) func(map[string]any) (string, bool) {
	return func(m map[string]any) (string, bool) {
		s, ok := m[name].(string)
		return s, ok
	}
}

func nestedString(name string, inner ...string) func(map[string]any) (string, bool) {
	return func(m map[string]any) (string, bool) {
		obj, ok := m[name].(map[string]any)
		if !ok {
			return "", false
		}
		for _, k := range inner {
			if s, ok := obj[k].(string); ok {
				return s, true
			}
		}
		return "", false
	}
}

func base64Field(name string) func(map[string]any) ([]byte, bool) {
	return func(m map[string]any) ([]byte, bool) {
		s, ok := m[name].(string)
		if !ok {
			return nil, false
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, false
		}
		return b, true
	}
}

// bufferObject reads {"type": "Buffer", "data": [...]} style payloads.
func bufferObject(name string) func(map[string]any) ([]byte, bool) {
	return func(m map[string]any) ([]byte, bool) {
		obj, ok := m[name].(map[string]any)
		if !ok {
			return nil, false
		}
		return byteArray(obj["data"])
	}
}

func byteArray(v any) ([]byte, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(arr))
	for i, e := range arr {
		f, ok := e.(float64)
		if !ok || f < 0 || f > 255 || f != math.Trunc(f) {
			return nil, false
		}
		out[i] = byte(f)
	}
	return out, true
}

func epochMillis(v any) (int64, bool) {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

func isoMillis(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}
