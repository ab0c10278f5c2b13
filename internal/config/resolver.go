// Package config resolves rolescope settings from three layers: the yaml
// config file, ROLESCOPE_* environment variables, and CLI flags, in that
// order of increasing precedence. Every resolved value carries provenance so
// commands can report where a setting came from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

// ResolvedValue is a setting plus where it was set. Values are kept as
// strings; commands parse them at the boundary with Int/Float/Bool.
type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// Int parses the value as an integer, returning def when unset.
func (v ResolvedValue) Int(def int) (int, error) {
	s := strings.TrimSpace(v.Value)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s (from %s): %w", s, v.From, err)
	}
	return n, nil
}

// Float parses the value as a float, returning def when unset.
func (v ResolvedValue) Float(def float64) (float64, error) {
	s := strings.TrimSpace(v.Value)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s (from %s): %w", s, v.From, err)
	}
	return f, nil
}

// Bool parses the value as a boolean, returning def when unset.
func (v ResolvedValue) Bool(def bool) (bool, error) {
	s := strings.TrimSpace(v.Value)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("parsing %s (from %s): %w", s, v.From, err)
	}
	return b, nil
}

// ResolveOptions carries the CLI-provided values into resolution.
type ResolveOptions struct {
	ConfigPath string

	CLIIndexPath      string
	CLIIndexBackend   string
	CLICollection     string
	CLITopK           string
	CLIMinSimilarity  string
	CLIMinClusterSize string
	CLIConcurrency    string
	CLIStrict         string
	CLIEmbed          string
}

// ResolvedConfig is the merged view of all configuration layers.
type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	IndexPath    ResolvedValue `json:"index_path"`
	IndexBackend ResolvedValue `json:"index_backend"`

	Collection     ResolvedValue `json:"collection"`
	TopK           ResolvedValue `json:"top_k"`
	MinSimilarity  ResolvedValue `json:"min_similarity"`
	MinClusterSize ResolvedValue `json:"min_cluster_size"`
	Concurrency    ResolvedValue `json:"concurrency"`
	Strict         ResolvedValue `json:"strict"`

	EmbedProvider ResolvedValue `json:"embed_provider"`
	EmbedEndpoint ResolvedValue `json:"embed_endpoint"`
	EmbedAPIKey   ResolvedValue `json:"embed_api_key"`
}

type fileConfig struct {
	Index struct {
		Path    string `yaml:"path"`
		Backend string `yaml:"backend"`
	} `yaml:"index"`
	Analysis struct {
		Collection     string   `yaml:"collection"`
		TopK           *int     `yaml:"top_k"`
		MinSimilarity  *float64 `yaml:"min_similarity"`
		MinClusterSize *int     `yaml:"min_cluster_size"`
		Concurrency    *int     `yaml:"concurrency"`
		Strict         *bool    `yaml:"strict"`
	} `yaml:"analysis"`
	Embed struct {
		Provider string `yaml:"provider"`
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"embed"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".rolescope", "config.yaml")
}

// ResolveConfig merges config file, environment, and CLI values. A missing
// config file is not an error; a malformed one is.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.IndexPath, cfg.Index.Path, SourceConfig, path)
		apply(&out.IndexBackend, cfg.Index.Backend, SourceConfig, path)
		apply(&out.Collection, cfg.Analysis.Collection, SourceConfig, path)
		if cfg.Analysis.TopK != nil {
			apply(&out.TopK, strconv.Itoa(*cfg.Analysis.TopK), SourceConfig, path)
		}
		if cfg.Analysis.MinSimilarity != nil {
			apply(&out.MinSimilarity, strconv.FormatFloat(*cfg.Analysis.MinSimilarity, 'f', -1, 64), SourceConfig, path)
		}
		if cfg.Analysis.MinClusterSize != nil {
			apply(&out.MinClusterSize, strconv.Itoa(*cfg.Analysis.MinClusterSize), SourceConfig, path)
		}
		if cfg.Analysis.Concurrency != nil {
			apply(&out.Concurrency, strconv.Itoa(*cfg.Analysis.Concurrency), SourceConfig, path)
		}
		if cfg.Analysis.Strict != nil {
			apply(&out.Strict, strconv.FormatBool(*cfg.Analysis.Strict), SourceConfig, path)
		}
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)

		if key := strings.TrimSpace(cfg.Embed.APIKey); key != "" {
			out.EmbedAPIKey = ResolvedValue{Value: key, Source: SourceConfig, From: path}
		}
	}

	applyEnv(&out.IndexPath, "ROLESCOPE_INDEX")
	applyEnv(&out.IndexPath, "ROLESCOPE_INDEX_PATH")
	applyEnv(&out.IndexBackend, "ROLESCOPE_INDEX_BACKEND")

	applyEnv(&out.Collection, "ROLESCOPE_COLLECTION")
	applyEnv(&out.TopK, "ROLESCOPE_TOP_K")
	applyEnv(&out.MinSimilarity, "ROLESCOPE_MIN_SIMILARITY")
	applyEnv(&out.MinClusterSize, "ROLESCOPE_MIN_CLUSTER_SIZE")
	applyEnv(&out.Concurrency, "ROLESCOPE_CONCURRENCY")
	applyEnv(&out.Strict, "ROLESCOPE_STRICT")

	applyEnv(&out.EmbedProvider, "ROLESCOPE_EMBED")
	applyEnv(&out.EmbedEndpoint, "ROLESCOPE_EMBED_ENDPOINT")
	if v := strings.TrimSpace(os.Getenv("ROLESCOPE_EMBED_API_KEY")); v != "" {
		out.EmbedAPIKey = ResolvedValue{Value: v, Source: SourceEnv, From: "ROLESCOPE_EMBED_API_KEY"}
	}

	apply(&out.IndexPath, opts.CLIIndexPath, SourceCLI, "--index")
	apply(&out.IndexBackend, opts.CLIIndexBackend, SourceCLI, "--backend")
	apply(&out.Collection, opts.CLICollection, SourceCLI, "--collection")
	apply(&out.TopK, opts.CLITopK, SourceCLI, "--top-k")
	apply(&out.MinSimilarity, opts.CLIMinSimilarity, SourceCLI, "--min-similarity")
	apply(&out.MinClusterSize, opts.CLIMinClusterSize, SourceCLI, "--min-cluster-size")
	apply(&out.Concurrency, opts.CLIConcurrency, SourceCLI, "--concurrency")
	apply(&out.Strict, opts.CLIStrict, SourceCLI, "--strict")
	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")

	if out.IndexPath.Value != "" {
		out.IndexPath.Value = expandUserPath(out.IndexPath.Value)
	}

	return out, nil
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
