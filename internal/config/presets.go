package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Preset is a named API provider shortcut. Presets are referenced by
// title_model values of the form "provider:model" and by /set shortcuts.
type Preset struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model,omitempty"`
}

// LoadPresets reads the optional presets file. JSON5 so the file can carry
// comments and trailing commas. A missing path returns an empty map.
func LoadPresets(path string) (map[string]Preset, error) {
	if path == "" {
		return map[string]Preset{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Preset{}, nil
		}
		return nil, fmt.Errorf("read presets file: %w", err)
	}
	var presets map[string]Preset
	if err := json5.Unmarshal(data, &presets); err != nil {
		return nil, fmt.Errorf("parse presets file %s: %w", path, err)
	}
	for name, p := range presets {
		if p.BaseURL == "" {
			return nil, fmt.Errorf("preset %q missing base_url", name)
		}
	}
	return presets, nil
}
