// Package seed loads source definitions from a YAML file and applies
// them to the store. The file is the operator-facing way to add
// municipalities in bulk; the daemon re-applies it on change.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/watchdog/internal/connector"
	"git.home.luguber.info/inful/watchdog/internal/store"
)

// Entry is one source definition in the seed file.
type Entry struct {
	Municipality string         `yaml:"municipality"`
	Platform     string         `yaml:"platform"` // empty: auto-detected from the URL
	BaseURL      string         `yaml:"base_url"`
	Enabled      *bool          `yaml:"enabled"` // nil means enabled
	Config       map[string]any `yaml:"config"`
}

// File is the top-level seed document.
type File struct {
	Sources []Entry `yaml:"sources"`
}

// Load parses a seed file and validates the entries.
func Load(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, e := range f.Sources {
		if e.Municipality == "" || e.BaseURL == "" {
			return nil, fmt.Errorf("seed entry %d: municipality and base_url are required", i)
		}
	}
	return f.Sources, nil
}

// Apply inserts entries that do not exist yet, keyed by base URL.
// Existing sources are left untouched so manual edits survive
// re-seeding. Returns how many sources were added.
func Apply(ctx context.Context, st *store.Store, entries []Entry) (int, error) {
	existing, err := st.ListSources(ctx, false)
	if err != nil {
		return 0, err
	}
	known := make(map[string]struct{}, len(existing))
	for _, src := range existing {
		known[src.BaseURL] = struct{}{}
	}

	added := 0
	for _, e := range entries {
		if _, ok := known[e.BaseURL]; ok {
			continue
		}
		platform := e.Platform
		if platform == "" {
			platform = connector.DetectPlatform(e.BaseURL)
		}
		var cfg json.RawMessage
		if len(e.Config) > 0 {
			cfg, err = json.Marshal(e.Config)
			if err != nil {
				return added, fmt.Errorf("seed config for %s: %w", e.Municipality, err)
			}
		}
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		if _, err := st.AddSource(ctx, &store.Source{
			Municipality: e.Municipality,
			Platform:     platform,
			BaseURL:      e.BaseURL,
			Enabled:      enabled,
			Config:       cfg,
		}); err != nil {
			return added, err
		}
		known[e.BaseURL] = struct{}{}
		added++
	}
	return added, nil
}
