package plan

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParsePlan decodes a plan from YAML or JSON bytes and normalizes string
// fields. Graph-level integrity (duplicate IDs, unknown references, cycles)
// is the validator's job, not the parser's.
func ParsePlan(data []byte) (*Plan, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("plan: payload is empty")
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("plan: decode: %w", err)
	}
	p.normalize()
	return &p, nil
}

// LoadPlanReader reads plan data from an io.Reader.
func LoadPlanReader(r io.Reader) (*Plan, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("plan: read: %w", err)
	}
	return ParsePlan(content)
}

// LoadPlanFile loads a plan from an explicit file path.
func LoadPlanFile(path string) (*Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: read %s: %w", path, err)
	}
	p, parseErr := ParsePlan(content)
	if parseErr != nil {
		return nil, fmt.Errorf("plan: %s: %w", path, parseErr)
	}
	return p, nil
}

func (p *Plan) normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Description = strings.TrimSpace(p.Description)
	p.BaseDir = strings.TrimSpace(p.BaseDir)
	for i := range p.Workstreams {
		ws := &p.Workstreams[i]
		ws.ID = strings.TrimSpace(ws.ID)
		ws.Workspace = strings.TrimSpace(ws.Workspace)
		ws.Instruction = strings.TrimSpace(ws.Instruction)
		deps := ws.DependsOn[:0]
		for _, dep := range ws.DependsOn {
			if trimmed := strings.TrimSpace(dep); trimmed != "" {
				deps = append(deps, trimmed)
			}
		}
		if len(deps) == 0 {
			ws.DependsOn = nil
		} else {
			ws.DependsOn = deps
		}
	}
}
