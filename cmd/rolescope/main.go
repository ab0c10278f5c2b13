package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/permitlab/rolescope/internal/analyze"
	"github.com/permitlab/rolescope/internal/config"
	"github.com/permitlab/rolescope/internal/embed"
	"github.com/permitlab/rolescope/internal/index"
	"github.com/permitlab/rolescope/internal/mcp"
	"github.com/permitlab/rolescope/internal/policy"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "analyze":
		if err := runAnalyze(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "similar":
		if err := runSimilar(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "mcp":
		if err := runMCP(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Printf("rolescope %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// cliFlags holds raw flag values; resolution against config file and
// environment happens in config.ResolveConfig.
type cliFlags struct {
	configPath     string
	indexPath      string
	backend        string
	collection     string
	topK           string
	minSimilarity  string
	minClusterSize string
	concurrency    string
	strict         bool
	embed          string
	out            string
}

// parseFlags splits args into flags and positional arguments.
func parseFlags(args []string) (cliFlags, []string, error) {
	var flags cliFlags
	var positional []string

	takesValue := func(i int, name string) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		return args[i+1], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		var dst *string
		switch arg {
		case "--config":
			dst = &flags.configPath
		case "--index":
			dst = &flags.indexPath
		case "--backend":
			dst = &flags.backend
		case "--collection":
			dst = &flags.collection
		case "--top-k":
			dst = &flags.topK
		case "--min-similarity":
			dst = &flags.minSimilarity
		case "--min-cluster-size":
			dst = &flags.minClusterSize
		case "--concurrency":
			dst = &flags.concurrency
		case "--embed":
			dst = &flags.embed
		case "--out":
			dst = &flags.out
		case "--strict":
			flags.strict = true
			continue
		default:
			if len(arg) > 0 && arg[0] == '-' {
				return flags, nil, fmt.Errorf("unknown flag: %s", arg)
			}
			positional = append(positional, arg)
			continue
		}
		v, err := takesValue(i, arg)
		if err != nil {
			return flags, nil, err
		}
		*dst = v
		i++
	}

	return flags, positional, nil
}

func resolve(flags cliFlags) (config.ResolvedConfig, error) {
	opts := config.ResolveOptions{
		ConfigPath:        flags.configPath,
		CLIIndexPath:      flags.indexPath,
		CLIIndexBackend:   flags.backend,
		CLICollection:     flags.collection,
		CLITopK:           flags.topK,
		CLIMinSimilarity:  flags.minSimilarity,
		CLIMinClusterSize: flags.minClusterSize,
		CLIConcurrency:    flags.concurrency,
		CLIEmbed:          flags.embed,
	}
	if flags.strict {
		opts.CLIStrict = "true"
	}
	return config.ResolveConfig(opts)
}

// analysisOptions turns the resolved string config into engine options.
func analysisOptions(resolved config.ResolvedConfig) (analyze.Options, error) {
	var opts analyze.Options
	var err error

	opts.Collection = resolved.Collection.Value
	if opts.TopK, err = resolved.TopK.Int(0); err != nil {
		return opts, err
	}
	if opts.MinSimilarity, err = resolved.MinSimilarity.Float(0); err != nil {
		return opts, err
	}
	if opts.MinClusterSize, err = resolved.MinClusterSize.Int(0); err != nil {
		return opts, err
	}
	if opts.Concurrency, err = resolved.Concurrency.Int(0); err != nil {
		return opts, err
	}
	if opts.Strict, err = resolved.Strict.Bool(false); err != nil {
		return opts, err
	}
	return opts, nil
}

// snapshotIndex is a memory-backed index that persists itself to a
// snapshot file when closed.
type snapshotIndex struct {
	*index.MemoryIndex
	path string
}

func (s *snapshotIndex) Close() error {
	if err := s.MemoryIndex.Save(s.path); err != nil {
		return fmt.Errorf("saving index snapshot: %w", err)
	}
	return s.MemoryIndex.Close()
}

// openIndex opens the configured index backend. The memory backend is
// ephemeral unless an index path is given, in which case the index is
// loaded from a snapshot at that path (when one exists) and saved back
// on close.
func openIndex(resolved config.ResolvedConfig) (index.Index, error) {
	path := resolved.IndexPath.Value
	if resolved.IndexBackend.Value == "memory" {
		if path == "" {
			return index.NewMemory(), nil
		}
		path = index.ExpandPath(path)
		mem, err := index.LoadSnapshot(path)
		if errors.Is(err, os.ErrNotExist) {
			mem = index.NewMemory()
		} else if err != nil {
			return nil, err
		}
		return &snapshotIndex{MemoryIndex: mem, path: path}, nil
	}
	if path == "" {
		path = index.ExpandPath(index.DefaultDBPath)
	}
	return index.NewSQLite(path)
}

// closeIndex closes an index, reporting rather than discarding the error
// so a failed snapshot save is visible.
func closeIndex(idx index.Index) {
	if err := idx.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: closing index: %v\n", err)
	}
}

func newEmbedder(resolved config.ResolvedConfig) (embed.Embedder, error) {
	cfg, err := embed.ResolveFlag(resolved.EmbedProvider.Value)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("no embedding provider configured (use --embed provider/model, ROLESCOPE_EMBED, or embed.provider in %s)", resolved.ConfigPath)
	}
	if v := resolved.EmbedEndpoint.Value; v != "" {
		cfg.Endpoint = v
	}
	if v := resolved.EmbedAPIKey.Value; v != "" {
		cfg.APIKey = v
	}
	return embed.NewEmbedder(cfg)
}

func buildEngine(resolved config.ResolvedConfig) (*analyze.Engine, index.Index, error) {
	embedder, err := newEmbedder(resolved)
	if err != nil {
		return nil, nil, err
	}
	idx, err := openIndex(resolved)
	if err != nil {
		return nil, nil, err
	}
	return analyze.New(embedder, idx), idx, nil
}

func runAnalyze(args []string) error {
	flags, positional, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return fmt.Errorf("usage: rolescope analyze <roles.json> [flags]")
	}

	data, err := os.ReadFile(positional[0])
	if err != nil {
		return fmt.Errorf("reading roles file: %w", err)
	}
	roles, err := policy.ParseRoles(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", positional[0], err)
	}

	resolved, err := resolve(flags)
	if err != nil {
		return err
	}
	opts, err := analysisOptions(resolved)
	if err != nil {
		return err
	}

	engine, idx, err := buildEngine(resolved)
	if err != nil {
		return err
	}
	defer closeIndex(idx)

	result, err := engine.Run(context.Background(), roles, opts)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	for _, ex := range result.Excluded {
		fmt.Fprintf(os.Stderr, "Excluded %s: %s\n", ex.RoleID, ex.Reason)
	}

	return writeJSON(result, flags.out)
}

func runSimilar(args []string) error {
	flags, positional, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return fmt.Errorf("usage: rolescope similar <policy.json> [flags]")
	}

	data, err := os.ReadFile(positional[0])
	if err != nil {
		return fmt.Errorf("reading policy file: %w", err)
	}
	var p policy.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parsing %s: %w", positional[0], err)
	}

	resolved, err := resolve(flags)
	if err != nil {
		return err
	}
	opts, err := analysisOptions(resolved)
	if err != nil {
		return err
	}

	engine, idx, err := buildEngine(resolved)
	if err != nil {
		return err
	}
	defer closeIndex(idx)

	results, err := engine.Similar(context.Background(), p, opts)
	if err != nil {
		return err
	}
	return writeJSON(results, flags.out)
}

func runMCP(args []string) error {
	flags, positional, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(positional) != 0 {
		return fmt.Errorf("usage: rolescope mcp [flags]")
	}

	resolved, err := resolve(flags)
	if err != nil {
		return err
	}
	defaults, err := analysisOptions(resolved)
	if err != nil {
		return err
	}

	engine, idx, err := buildEngine(resolved)
	if err != nil {
		return err
	}
	defer closeIndex(idx)

	s := mcp.NewServer(mcp.ServerConfig{
		Engine:   engine,
		Version:  version,
		Defaults: defaults,
	})
	return server.ServeStdio(s)
}

func writeJSON(v interface{}, out string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	data = append(data, '\n')
	if out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	return nil
}

func printUsage() {
	fmt.Printf(`rolescope %s — Near-duplicate detection for access-control roles

Usage:
  rolescope <command> [arguments]

Commands:
  analyze <roles.json>    Embed every role's policy, build the similarity
                          graph, and report clusters of near-duplicate roles
  similar <policy.json>   Find indexed roles closest to a given policy
  mcp                     Serve the analysis tools over MCP (stdio)
  version                 Print version

Flags:
  --config <path>            Config file (default: ~/.rolescope/config.yaml)
  --index <path>             Vector index path: the sqlite database, or the
                             snapshot file for the memory backend
                             (default: ~/.rolescope/index.db)
  --backend sqlite|memory    Index backend (default: sqlite)
  --collection <name>        Index collection (default: roles)
  --top-k <n>                Neighbors per role (default: 3)
  --min-similarity <f>       Edge threshold in [0,1], negative keeps every
                             neighbor (default: 0.5)
  --min-cluster-size <n>     Smallest reportable cluster (default: 3)
  --concurrency <n>          Embedding workers (default: 4)
  --strict                   Abort on the first role that fails to embed
  --embed provider/model     Embedding provider (ollama, openai, deepseek,
                             openrouter, custom, local)
  --out <path>               Write JSON results to a file instead of stdout
  -h, --help                 Show this help message
  -v, --version              Print version

Documentation:
  https://github.com/permitlab/rolescope
`, version)
}
