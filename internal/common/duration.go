package common

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can express durations as
// strings like "30s" or "1h30m".
type Duration struct {
	time.Duration
}

// NewDuration wraps a time.Duration.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalText parses the textual duration form. encoding/json and
// BurntSushi/toml route through this.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the canonical duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler since yaml.v3 does not consult
// encoding.TextUnmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}
