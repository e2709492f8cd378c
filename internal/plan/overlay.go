package plan

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OverlayEntry replaces one workstream's dependency list. The overlay file
// is a sequence of these records, in YAML or JSON.
type OverlayEntry struct {
	Target    string   `json:"target" yaml:"target"`
	DependsOn []string `json:"depends_on" yaml:"depends_on"`
}

// ParseOverlay decodes overlay records into a graph fragment. Records are
// checked strictly here; callers that want the overlay to be best-effort
// degrade on error by falling back to declared edges.
func ParseOverlay(data []byte) (Graph, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("overlay: payload is empty")
	}
	var entries []OverlayEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("overlay: decode: %w", err)
	}
	overlay := make(Graph, len(entries))
	for i, entry := range entries {
		target := strings.TrimSpace(entry.Target)
		if target == "" {
			return nil, fmt.Errorf("overlay[%d]: target is required", i)
		}
		if _, dup := overlay[target]; dup {
			return nil, fmt.Errorf("overlay[%d]: duplicate target %q", i, target)
		}
		var deps []string
		for _, dep := range entry.DependsOn {
			if trimmed := strings.TrimSpace(dep); trimmed != "" {
				deps = append(deps, trimmed)
			}
		}
		overlay[target] = deps
	}
	return overlay, nil
}

// LoadOverlayFile reads overlay records from disk.
func LoadOverlayFile(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("overlay: read %s: %w", path, err)
	}
	overlay, parseErr := ParseOverlay(data)
	if parseErr != nil {
		return nil, fmt.Errorf("overlay: %s: %w", path, parseErr)
	}
	return overlay, nil
}

// MergeOverlay applies overlay edges on top of declared edges. A target
// present in the overlay has its dependency list replaced outright — the
// overlay is an override, not a union. Targets the overlay does not name
// keep their declared list. Neither input is mutated.
func MergeOverlay(declared, overlay Graph) Graph {
	effective := declared.Clone()
	for target, deps := range overlay {
		if len(deps) == 0 {
			effective[target] = nil
			continue
		}
		clone := make([]string, len(deps))
		copy(clone, deps)
		effective[target] = clone
	}
	return effective
}
