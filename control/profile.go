// control/profile.go
// Author: momentics <momentics@gmail.com>
//
// YAML connection profiles for the command line tools.

package control

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Driver names accepted in profiles.
const (
	DriverGateway    = "gateway"
	DriverSubprocess = "subprocess"
	DriverNATS       = "nats"
)

// ProfileSubscription is a subscription opened when a profile connects.
type ProfileSubscription struct {
	KeyExpr  string `yaml:"key_expr"`
	Capacity int    `yaml:"capacity,omitempty"`
}

// Profile is a named connection setup.
type Profile struct {
	Name          string                `yaml:"name,omitempty"`
	Driver        string                `yaml:"driver"`
	Connect       ConnectConfig         `yaml:"connect"`
	Command       []string              `yaml:"command,omitempty"` // subprocess driver child
	Subscriptions []ProfileSubscription `yaml:"subscriptions,omitempty"`
	MaxQueueDepth int                   `yaml:"max_queue_depth,omitempty"`
	Metrics       string                `yaml:"metrics_addr,omitempty"`
}

// LoadProfile reads a YAML profile. ${VAR} references in credential and
// path fields are expanded from the environment.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	p.applyDefaults()
	p.expandVariables()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return &p, nil
}

func (p *Profile) applyDefaults() {
	if p.Driver == "" {
		p.Driver = DriverGateway
	}
}

func (p *Profile) expandVariables() {
	p.Connect.Endpoint = os.ExpandEnv(p.Connect.Endpoint)
	if a := p.Connect.Auth; a != nil {
		a.Username = os.ExpandEnv(a.Username)
		a.Password = os.ExpandEnv(a.Password)
		a.Token = os.ExpandEnv(a.Token)
		a.HeaderValue = os.ExpandEnv(a.HeaderValue)
	}
	if t := p.Connect.TLS; t != nil {
		t.CAFile = os.ExpandEnv(t.CAFile)
		t.CertFile = os.ExpandEnv(t.CertFile)
		t.KeyFile = os.ExpandEnv(t.KeyFile)
	}
}

// Validate checks that the profile can be used to connect.
func (p *Profile) Validate() error {
	switch p.Driver {
	case DriverGateway, DriverNATS:
		if p.Connect.Endpoint == "" {
			return fmt.Errorf("connect.endpoint is required for driver %q", p.Driver)
		}
	case DriverSubprocess:
		if len(p.Command) == 0 {
			return fmt.Errorf("command is required for driver %q", p.Driver)
		}
	default:
		return fmt.Errorf("unknown driver %q", p.Driver)
	}
	return p.Connect.Auth.Validate()
}
