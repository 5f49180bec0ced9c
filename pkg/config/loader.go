package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GRPS_"

// The two configuration documents live at fixed relative paths, read
// from the process working directory.
const (
	InferenceConfigPath = "conf/inference.yml"
	ServerConfigPath    = "conf/server.yml"
)

// Loaded bundles both resolved, validated documents plus their raw source
// text, since /metadata/server serves the concatenation of
// both texts verbatim.
type Loaded struct {
	Inference     InferenceConfig
	Server        ServerConfig
	InferenceText string
	ServerText    string
}

// Load reads, defaults, overrides-by-env, unmarshals and validates both
// documents. Any failure aborts bootstrap before a socket is opened
//, so this function never partially succeeds.
func Load(inferencePath, serverPath string) (*Loaded, error) {
	inferenceText, err := os.ReadFile(inferencePath)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", inferencePath, err)
	}
	serverText, err := os.ReadFile(serverPath)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", serverPath, err)
	}

	var inference InferenceConfig
	if err := loadDocument(inferencePath, defaultInference(), &inference); err != nil {
		return nil, fmt.Errorf("config: inference: %w", err)
	}
	if err := inference.Validate(); err != nil {
		return nil, err
	}

	var server ServerConfig
	if err := loadDocument(serverPath, defaultServer(), &server); err != nil {
		return nil, fmt.Errorf("config: server: %w", err)
	}
	if server.Log.LogDir == "" {
		server.Log.LogDir = "logs"
	}
	if err := server.Validate(); err != nil {
		return nil, err
	}
	if err := ensureLogDir(server.Log.LogDir); err != nil {
		return nil, err
	}

	return &Loaded{
		Inference:     inference,
		Server:        server,
		InferenceText: string(inferenceText),
		ServerText:    string(serverText),
	}, nil
}

// loadDocument layers defaults -> file -> environment, lowest priority
// first, then unmarshals into dst.
func loadDocument(path string, defaults map[string]any, dst any) error {
	k := koanf.New(".")

	if len(defaults) > 0 {
		if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
			return fmt.Errorf("load defaults: %w", err)
		}
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("load file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	return k.Unmarshal("", dst)
}

// envKeyMapper drops the GRPS_ prefix and lowercases the rest; a double
// underscore separates nesting levels and a single underscore stays part
// of the key (GRPS_MAX_CONNECTIONS -> max_connections,
// GRPS_LOG__LOG_DIR -> log.log_dir).
func envKeyMapper(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
}

func defaultInference() map[string]any {
	return map[string]any{
		"pipeline.dag.type": "sequential",
	}
}

func defaultServer() map[string]any {
	return map[string]any{
		"interface.framework":   "http",
		"interface.host":        "0.0.0.0",
		"interface.port":        []int{8080},
		"max_connections":       1000,
		"max_concurrency":       32,
		"log.log_dir":           "logs",
		"log.log_backup_count":  10,
	}
}

// ensureLogDir creates the log directory if absent; it fails if the
// path exists as a regular file.
func ensureLogDir(dir string) error {
	if fi, err := os.Stat(dir); err == nil {
		if !fi.IsDir() {
			return fmt.Errorf("config: log.log_dir %q exists and is a regular file", dir)
		}
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("config: stat log.log_dir %q: %w", dir, err)
	}
	return os.MkdirAll(dir, 0o755)
}
