package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jward/covermark"
	"github.com/jward/covermark/internal/rewrite"
)

// FileName is the config file looked up next to the solution.
const FileName = ".covermark.yaml"

// Config holds covermark configuration loaded from YAML and env.
type Config struct {
	ProjectFilter string
	Rules         rewrite.Rules

	// Scripts are rule script references: "builtin:<name>" or a path, made
	// absolute against the config file's directory.
	Scripts []string

	LedgerEnabled bool
	LedgerPath    string // empty means <solution dir>/.covermark/ledger.db
}

type fileConfig struct {
	ProjectFilter *string `yaml:"project_filter"`

	Rules struct {
		TestMarkers      []string `yaml:"test_markers"`
		ExclusionMarker  string   `yaml:"exclusion_marker"`
		Attribute        string   `yaml:"attribute"`
		BaseTypePrefixes []string `yaml:"base_type_prefixes"`
	} `yaml:"rules"`

	Scripts []string `yaml:"scripts"`

	Ledger struct {
		Enabled *bool  `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"ledger"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		ProjectFilter: covermark.DefaultProjectFilter,
		Rules:         rewrite.DefaultRules(),
		LedgerEnabled: true,
	}
	applyEnv(cfg)
	return cfg
}

// Discover returns the config file next to solutionPath, or "" if there is
// none.
func Discover(solutionPath string) string {
	p := filepath.Join(filepath.Dir(solutionPath), FileName)
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		return p
	}
	return ""
}

// Load reads the YAML file at path over the defaults. An empty path returns
// Default(). Lists that are absent keep their defaults; an explicit empty
// list clears them.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{
		ProjectFilter: covermark.DefaultProjectFilter,
		Rules:         rewrite.DefaultRules(),
		LedgerEnabled: true,
	}
	if fc.ProjectFilter != nil {
		cfg.ProjectFilter = *fc.ProjectFilter
	}

	if fc.Rules.TestMarkers != nil {
		cfg.Rules.TestMarkers = trimAll(fc.Rules.TestMarkers)
	}
	if fc.Rules.BaseTypePrefixes != nil {
		cfg.Rules.BaseTypePrefixes = trimAll(fc.Rules.BaseTypePrefixes)
	}
	if s := strings.TrimSpace(fc.Rules.ExclusionMarker); s != "" {
		cfg.Rules.ExclusionMarker = s
	}
	if s := strings.TrimSpace(fc.Rules.Attribute); s != "" {
		cfg.Rules.Attribute = s
	}

	dir := filepath.Dir(path)
	for _, ref := range fc.Scripts {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if !strings.HasPrefix(ref, "builtin:") && !filepath.IsAbs(ref) {
			ref = filepath.Join(dir, ref)
		}
		cfg.Scripts = append(cfg.Scripts, ref)
	}

	if fc.Ledger.Enabled != nil {
		cfg.LedgerEnabled = *fc.Ledger.Enabled
	}
	if p := strings.TrimSpace(fc.Ledger.Path); p != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		cfg.LedgerPath = p
	}

	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets COVERMARK_PROJECT_FILTER override the file.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("COVERMARK_PROJECT_FILTER"); ok {
		cfg.ProjectFilter = v
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	if err := cfg.Rules.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(cfg.Rules.TestMarkers) == 0 && len(cfg.Rules.BaseTypePrefixes) == 0 && len(cfg.Scripts) == 0 {
		return errors.New("config: rules select nothing: set test_markers, base_type_prefixes or scripts")
	}
	return nil
}
