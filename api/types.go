// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations, DTOs, and constants.

package api

import "encoding/json"

// Classification is the inferred shape of a payload.
type Classification string

const (
	ClassJSON   Classification = "json"
	ClassText   Classification = "text"
	ClassBinary Classification = "binary"
)

// Encoding hints handed to drivers alongside outbound payloads.
const (
	EncodingJSON   = "application/json"
	EncodingBinary = "application/octet-stream"
	EncodingText   = "text/plain"
)

// Message is one classified inbound sample. It is never mutated after
// construction.
type Message struct {
	ID             string          `json:"id"`
	Timestamp      int64           `json:"timestamp"` // ms since epoch
	Key            string          `json:"key"`
	SizeBytes      int             `json:"sizeBytes"`
	Classification Classification  `json:"classification"`
	JSON           json.RawMessage `json:"jsonValue,omitempty"`
	Text           *string         `json:"textValue,omitempty"`
	RawBase64      string          `json:"rawBase64"`
}

// RecentKeyStat aggregates observations of one key.
type RecentKeyStat struct {
	Key           string `json:"key"`
	Count         int    `json:"count"`
	LastSeenMs    int64  `json:"lastSeenMs"`
	TotalBytes    int64  `json:"totalBytes"`
	LastSizeBytes int    `json:"lastSizeBytes"`
}

// Capabilities describes what a connected driver negotiated.
type Capabilities struct {
	Driver          string         `json:"driver"`
	ProtocolVersion string         `json:"protocolVersion,omitempty"`
	GatewayVersion  string         `json:"gatewayVersion,omitempty"`
	Features        []string       `json:"features"`
	Info            map[string]any `json:"info,omitempty"`
}

// Has reports whether feature was negotiated.
func (c *Capabilities) Has(feature string) bool {
	if c == nil {
		return false
	}
	for _, f := range c.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Feature names reported in Capabilities.Features.
const (
	FeatureSubscribe = "subscribe"
	FeaturePublish   = "publish"
	FeaturePause     = "pause"
)

// Status is pushed to the presentation layer on connection changes.
type Status struct {
	Connected    bool          `json:"connected"`
	Error        string        `json:"error,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// DriverStatus is reported by a driver when its transport changes state
// outside of a caller request.
type DriverStatus struct {
	Connected bool
	Err       error
}

// Sample is a raw delivery from a driver to a subscription handler.
type Sample struct {
	Key         string
	Payload     []byte
	TimestampMs int64 // zero when the transport supplied none
	Encoding    string
}

// SampleHandler receives samples for one subscription.
type SampleHandler func(Sample)
