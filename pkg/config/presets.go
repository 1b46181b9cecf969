package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tecu23/duel-server/pkg/clock"
)

// Presets are named time controls
type Presets map[string]clock.TimeControl

type presetFile struct {
	Presets map[string]struct {
		Initial        time.Duration `yaml:"initial"`
		Increment      time.Duration `yaml:"increment"`
		BlackInitial   time.Duration `yaml:"black_initial"`
		BlackIncrement time.Duration `yaml:"black_increment"`
	} `yaml:"presets"`
}

// DefaultPresets returns the built-in time controls
func DefaultPresets() Presets {
	return Presets{
		"bullet":    clock.Uniform(time.Minute, 0),
		"blitz":     clock.Uniform(3*time.Minute, 2*time.Second),
		"rapid":     clock.Uniform(10*time.Minute, 5*time.Second),
		"classical": clock.Uniform(30*time.Minute, 0),
	}
}

// ParsePresets decodes a YAML preset document. Black settings default to White's.
func ParsePresets(data []byte) (Presets, error) {
	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}

	presets := make(Presets, len(file.Presets))
	for name, p := range file.Presets {
		tc := clock.Uniform(p.Initial, p.Increment)
		if p.BlackInitial > 0 {
			tc.Black = p.BlackInitial
		}
		if p.BlackIncrement > 0 {
			tc.BlackIncrement = p.BlackIncrement
		}
		if err := tc.Validate(); err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
		presets[name] = tc
	}
	return presets, nil
}

// LoadPresets returns the built-in presets overlaid with the ones defined in path.
// An empty path returns the built-in presets.
func LoadPresets(path string) (Presets, error) {
	presets := DefaultPresets()
	if path == "" {
		return presets, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}

	custom, err := ParsePresets(data)
	if err != nil {
		return nil, err
	}
	for name, tc := range custom {
		presets[name] = tc
	}
	return presets, nil
}

// Lookup returns the preset called name
func (p Presets) Lookup(name string) (clock.TimeControl, bool) {
	tc, ok := p[name]
	return tc, ok
}

// Names returns the preset names in order
func (p Presets) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
