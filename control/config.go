// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Configuration contract carried from the caller to a driver on connect.

package control

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/tidwall/jsonc"
)

// Gateway option keys with defaults applied by MergedOptions.
const (
	OptLocator         = "locator"
	OptResponseTimeout = "messageResponseTimeoutMs"

	DefaultResponseTimeoutMs = 5000
)

var (
	// ErrOptionsNotObject is returned when connect options parse to
	// something other than a JSON object.
	ErrOptionsNotObject = errors.New("connection options must be a JSON object")
	// ErrAuthIncomplete is returned when an auth mode lacks its fields.
	ErrAuthIncomplete = errors.New("auth descriptor incomplete")
)

// AuthMode selects how credentials are carried into the handshake.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBasic  AuthMode = "basic"
	AuthBearer AuthMode = "bearer"
	AuthHeader AuthMode = "header"
)

// Auth describes credentials for the transport.
type Auth struct {
	Mode        AuthMode `json:"mode" yaml:"mode"`
	Username    string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password    string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token       string   `json:"token,omitempty" yaml:"token,omitempty"`
	HeaderName  string   `json:"headerName,omitempty" yaml:"header_name,omitempty"`
	HeaderValue string   `json:"headerValue,omitempty" yaml:"header_value,omitempty"`
}

// TLS describes client certificate material and verification.
type TLS struct {
	CAFile   string `json:"caFile,omitempty" yaml:"ca_file,omitempty"`
	CertFile string `json:"certFile,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"keyFile,omitempty" yaml:"key_file,omitempty"`
	// Verify defaults to true when unset.
	Verify *bool `json:"verify,omitempty" yaml:"verify,omitempty"`
}

// Reconnect is the reconnect policy descriptor. Drivers that reconnect
// natively honour it; otherwise a caller-driven loop uses Delay.
type Reconnect struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	BaseDelay   time.Duration `json:"baseDelay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay    time.Duration `json:"maxDelay,omitempty" yaml:"max_delay,omitempty"`
	MaxAttempts int           `json:"maxAttempts,omitempty" yaml:"max_attempts,omitempty"` // 0 means unlimited
	Jitter      bool          `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// ConnectConfig is everything a driver receives besides the endpoint.
type ConnectConfig struct {
	Endpoint  string         `json:"endpoint" yaml:"endpoint"`
	Options   map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
	Auth      *Auth          `json:"auth,omitempty" yaml:"auth,omitempty"`
	TLS       *TLS           `json:"tls,omitempty" yaml:"tls,omitempty"`
	Reconnect *Reconnect     `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`
}

// ParseOptions parses a caller-supplied options document. Comments and
// trailing commas are accepted. Blank input yields an empty object.
func ParseOptions(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(jsonc.ToJSON(raw), &v); err != nil {
		return nil, fmt.Errorf("parsing connection options: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrOptionsNotObject
	}
	return obj, nil
}

// MergedOptions returns a copy of the options with the locator and
// response timeout defaults filled in.
func (c *ConnectConfig) MergedOptions(endpoint string) map[string]any {
	out := make(map[string]any)
	if c != nil {
		for k, v := range c.Options {
			out[k] = v
		}
	}
	if _, ok := out[OptLocator]; !ok {
		out[OptLocator] = endpoint
	}
	if _, ok := out[OptResponseTimeout]; !ok {
		out[OptResponseTimeout] = DefaultResponseTimeoutMs
	}
	return out
}

// ResponseTimeout reads messageResponseTimeoutMs from merged options.
func ResponseTimeout(opts map[string]any) time.Duration {
	ms := float64(DefaultResponseTimeoutMs)
	switch v := opts[OptResponseTimeout].(type) {
	case float64:
		ms = v
	case int:
		ms = float64(v)
	case int64:
		ms = float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			ms = f
		}
	}
	if ms <= 0 || math.IsNaN(ms) {
		ms = DefaultResponseTimeoutMs
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// Validate checks that the fields required by Mode are present.
func (a *Auth) Validate() error {
	if a == nil {
		return nil
	}
	switch a.Mode {
	case "", AuthNone:
		return nil
	case AuthBasic:
		if a.Username == "" {
			return fmt.Errorf("%w: basic auth requires a username", ErrAuthIncomplete)
		}
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("%w: bearer auth requires a token", ErrAuthIncomplete)
		}
	case AuthHeader:
		if a.HeaderName == "" {
			return fmt.Errorf("%w: header auth requires a header name", ErrAuthIncomplete)
		}
	default:
		return fmt.Errorf("unknown auth mode %q", a.Mode)
	}
	return nil
}

// Apply adds the credential header to h.
func (a *Auth) Apply(h http.Header) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a == nil {
		return nil
	}
	switch a.Mode {
	case AuthBasic:
		cred := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		h.Set("Authorization", "Basic "+cred)
	case AuthBearer:
		h.Set("Authorization", "Bearer "+a.Token)
	case AuthHeader:
		h.Set(a.HeaderName, a.HeaderValue)
	}
	return nil
}

// Header returns the handshake headers for cfg's auth descriptor.
func (c *ConnectConfig) Header() (http.Header, error) {
	h := make(http.Header)
	if c == nil {
		return h, nil
	}
	if err := c.Auth.Apply(h); err != nil {
		return nil, err
	}
	return h, nil
}

// VerifyPeer reports whether the server certificate must be verified.
func (t *TLS) VerifyPeer() bool {
	return t == nil || t.Verify == nil || *t.Verify
}

// ClientConfig builds a tls.Config from the descriptor. A nil receiver
// yields a default verifying config.
func (t *TLS) ClientConfig(serverName string) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
	if t == nil {
		return cfg, nil
	}
	cfg.InsecureSkipVerify = !t.VerifyPeer()
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	if t.CertFile != "" || t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Default reconnect timings used when the descriptor leaves them unset.
const (
	DefaultReconnectBase = 500 * time.Millisecond
	DefaultReconnectMax  = 30 * time.Second
)

// Delay returns the wait before reconnect attempt n (starting at 0).
// rnd supplies values in [0,1) when Jitter is set; nil disables jitter.
func (r *Reconnect) Delay(attempt int, rnd func() float64) time.Duration {
	base, limit := DefaultReconnectBase, DefaultReconnectMax
	if r != nil && r.BaseDelay > 0 {
		base = r.BaseDelay
	}
	if r != nil && r.MaxDelay > 0 {
		limit = r.MaxDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	d := limit
	if attempt < 32 {
		if exp := base << uint(attempt); exp > 0 && exp < limit {
			d = exp
		}
	}
	if r != nil && r.Jitter && rnd != nil {
		// Equal jitter: half fixed, half random.
		d = d/2 + time.Duration(rnd()*float64(d/2))
	}
	return d
}

// Allowed reports whether attempt n (starting at 0) may be made.
func (r *Reconnect) Allowed(attempt int) bool {
	if r == nil || !r.Enabled {
		return false
	}
	return r.MaxAttempts <= 0 || attempt < r.MaxAttempts
}
