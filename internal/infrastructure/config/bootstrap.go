package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name.
const AppName = "personalassistant"

// HomeDir returns the user's configuration home: ~/.personalassistant
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures the ~/.personalassistant directory exists with a
// default config.yaml. Called once at startup; safe to call repeatedly.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	dirs := []string{
		root,
		filepath.Join(root, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0o644); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		logger.Info("Wrote default config", zap.String("path", configPath))
	}

	return nil
}

const defaultConfigYAML = `# personalassistant server configuration
server:
  host: 0.0.0.0
  port: 18789

database:
  type: sqlite
  dsn: personalassistant.db

llm:
  providers: []
  fallback_chains: {}

scheduler:
  max_concurrent: 4
  default_max_attempts: 5
`
