package plugins

import (
	"fmt"

	"github.com/kingrea/loom/internal/agent"
	"github.com/kingrea/loom/internal/config"
)

// RegisterLauncherPlugins discovers YAML and Go launcher definitions under
// .loom/launchers and registers them. Definitions may shadow a built-in
// launcher by name; two definitions claiming the same name is an error.
func RegisterLauncherPlugins(reg *agent.Registry, cfg *config.Config) error {
	if reg == nil || cfg == nil {
		return nil
	}
	defs, err := loadAllDefinitionFiles(cfg.LaunchersDir())
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		return nil
	}
	seen := make(map[string]string)
	for _, file := range defs {
		launcher := file.Launcher
		if existing, ok := seen[launcher.Name]; ok {
			return fmt.Errorf("plugin: duplicate launcher %s (%s and %s)", launcher.Name, existing, file.Path)
		}
		seen[launcher.Name] = file.Path
		if err := reg.Register(launcher); err != nil {
			return fmt.Errorf("plugin: register %s from %s: %w", launcher.Name, file.Path, err)
		}
	}
	return nil
}

func loadAllDefinitionFiles(dir string) ([]DefinitionFile, error) {
	yamlDefs, err := LoadDefinitionDir(dir)
	if err != nil {
		return nil, err
	}
	goDefs, err := LoadGoDefinitionDir(dir)
	if err != nil {
		return nil, err
	}
	return append(yamlDefs, goDefs...), nil
}
