package am

import (
	"encoding/json"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/Dm1try555/banister-backend-sub001/errors"
)

// Render serialises the effective configuration for `config show`.
// Supported formats: toml (default), json, yaml.
func Render(c *Config, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", "toml":
		return toml.Marshal(c)
	case "json":
		return json.MarshalIndent(c, "", "  ")
	case "yaml", "yml":
		return yaml.Marshal(c)
	default:
		return nil, errors.WithHint(
			errors.Newf("unsupported config format %q", format),
			"use one of: toml, json, yaml")
	}
}
