package safety

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/kiln-systems/kiln/internal/models"
)

// LoadProfileOverrides reads every *.yaml/*.yml file in dir, each expected to
// contain one models.SafetyProfile, for SetOverrides. A malformed file fails
// the whole load rather than silently skipping a profile an operator thinks
// they installed.
func LoadProfileOverrides(dir string) ([]models.SafetyProfile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("safety: read profile dir: %w", err)
	}
	var out []models.SafetyProfile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("safety: read %s: %w", e.Name(), err)
		}
		var p models.SafetyProfile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("safety: parse %s: %w", e.Name(), err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("safety: %s: profile missing id", e.Name())
		}
		out = append(out, p)
	}
	return out, nil
}
