package throttler

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML accepts windows as Go durations ("10s", "1m", "24h") or bare
// integer seconds.
func (b *Bucket) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name     string      `yaml:"name"`
		Window   string      `yaml:"window"`
		Capacity int         `yaml:"capacity"`
		Scope    BucketScope `yaml:"scope"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var window time.Duration
	if raw.Window != "" {
		if secs, err := strconv.Atoi(raw.Window); err == nil {
			window = time.Duration(secs) * time.Second
		} else {
			d, err := time.ParseDuration(raw.Window)
			if err != nil {
				return fmt.Errorf("bucket %s: bad window %q: %w", raw.Name, raw.Window, err)
			}
			window = d
		}
	}
	b.Name = raw.Name
	b.Window = window
	b.Capacity = raw.Capacity
	b.Scope = raw.Scope
	return nil
}
