// Package jobspec compiles raw job configuration blobs into a validated,
// canonical form. The rest of the system only ever sees compiled configs.
package jobspec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	apperrors "experiment-scheduler/internal/errors"
)

// CompiledConfig is the canonical form of a job configuration. Values are
// fixed at compile time; derived fields are plain accessors, not caches.
type CompiledConfig struct {
	Version      int               `yaml:"version" json:"version"`
	Image        string            `yaml:"image" json:"image"`
	Command      []string          `yaml:"command,omitempty" json:"command,omitempty"`
	EnvVars      map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Resources    map[string]string `yaml:"resources,omitempty" json:"resources,omitempty"`
	NodeSelector map[string]string `yaml:"node_selector,omitempty" json:"node_selector,omitempty"`
}

// Compiler turns raw YAML (or JSON, which YAML subsumes) into a CompiledConfig.
type Compiler struct{}

// New returns a config compiler.
func New() *Compiler {
	return &Compiler{}
}

// Compile parses and validates a raw config blob. All failures carry the
// ConfigInvalid kind; nothing is persisted on failure.
func (c *Compiler) Compile(raw []byte) (*CompiledConfig, error) {
	if len(raw) == 0 {
		return nil, apperrors.New(apperrors.KindConfigInvalid, "config is empty")
	}
	var cfg CompiledConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindConfigInvalid, "parse config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *CompiledConfig) validate() error {
	if c.Version != 1 {
		return apperrors.Newf(apperrors.KindConfigInvalid, "unsupported config version %d", c.Version)
	}
	if c.Image == "" {
		return apperrors.New(apperrors.KindConfigInvalid, "image is required")
	}
	for k := range c.EnvVars {
		if k == "" {
			return apperrors.New(apperrors.KindConfigInvalid, "env var names must not be empty")
		}
	}
	for k, v := range c.Resources {
		if k == "" || v == "" {
			return apperrors.New(apperrors.KindConfigInvalid, "resource entries must have a name and a value")
		}
	}
	return nil
}

// AsMap returns the canonical map form stored in the jobs table.
func (c *CompiledConfig) AsMap() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal compiled config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal compiled config: %w", err)
	}
	return m, nil
}

// Fingerprint is a stable digest of the compiled config, used for exact
// structural deduplication. encoding/json sorts map keys, so two configs
// that compile to the same values share a fingerprint regardless of input
// formatting or key order.
func (c *CompiledConfig) Fingerprint() string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
