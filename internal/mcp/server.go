// Package mcp provides a Model Context Protocol server for rolescope.
//
// It exposes the analysis pipeline (analyze, similar, stats) as MCP tools
// and the indexed collections as an MCP resource, over stdio transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/permitlab/rolescope/internal/analyze"
	"github.com/permitlab/rolescope/internal/policy"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Engine   *analyze.Engine
	Version  string          // version string for MCP server info
	Defaults analyze.Options // baseline options, overridable per call
}

// runMu serializes tool calls. The mcp-go library dispatches handlers
// concurrently via goroutines, and two interleaved analyze runs against the
// same collection would see each other's partial upserts.
var runMu sync.Mutex

// NewServer creates a configured MCP server with all rolescope tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"rolescope",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerAnalyzeTool(s, cfg)
	registerSimilarTool(s, cfg)
	registerStatsTool(s, cfg)
	registerCollectionsResource(s, cfg)

	return s
}

// --- Tools ---

func registerAnalyzeTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("rolescope_analyze",
		mcp.WithDescription("Analyze a set of access-control roles for near-duplicate policies. Embeds every policy, builds the similarity graph, and returns the edges plus clusters of roles close enough to consolidate."),
		mcp.WithString("roles",
			mcp.Required(),
			mcp.Description("Roles as a JSON array (or an {\"items\": [...]} envelope), each with key, name, and policy statements"),
		),
		mcp.WithString("collection",
			mcp.Description("Index collection to analyze into (default: roles)"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Neighbors considered per role (default: 3)"),
		),
		mcp.WithNumber("min_similarity",
			mcp.Description("Edge threshold on the [0,1] similarity scale (default: 0.5)"),
		),
		mcp.WithNumber("min_cluster_size",
			mcp.Description("Smallest cluster worth reporting (default: 3)"),
		),
		mcp.WithBoolean("strict",
			mcp.Description("Abort on the first role that fails to embed instead of excluding it (default: false)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runMu.Lock()
		defer runMu.Unlock()

		rolesJSON, err := req.RequireString("roles")
		if err != nil {
			return mcp.NewToolResultError("roles is required"), nil
		}
		roles, err := policy.ParseRoles([]byte(rolesJSON))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid roles: %v", err)), nil
		}

		result, err := cfg.Engine.Run(ctx, roles, optionsFromRequest(req, cfg.Defaults))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("analysis failed: %v", err)), nil
		}

		data, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerSimilarTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("rolescope_similar",
		mcp.WithDescription("Find the roles in an already-analyzed collection whose policies are closest to a given policy. The query policy is not added to the index."),
		mcp.WithString("policy",
			mcp.Required(),
			mcp.Description("Policy as a JSON array of statements (effect, actions, resources)"),
		),
		mcp.WithString("collection",
			mcp.Description("Index collection to query (default: roles)"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Maximum results (default: 3)"),
		),
		mcp.WithNumber("min_similarity",
			mcp.Description("Minimum similarity score to include (default: 0.5)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runMu.Lock()
		defer runMu.Unlock()

		policyJSON, err := req.RequireString("policy")
		if err != nil {
			return mcp.NewToolResultError("policy is required"), nil
		}
		var p policy.Policy
		if err := json.Unmarshal([]byte(policyJSON), &p); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid policy: %v", err)), nil
		}

		results, err := cfg.Engine.Similar(ctx, p, optionsFromRequest(req, cfg.Defaults))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}

		data, _ := json.MarshalIndent(results, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerStatsTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("rolescope_stats",
		mcp.WithDescription("Show the number of indexed role vectors per collection."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runMu.Lock()
		defer runMu.Unlock()

		counts, err := cfg.Engine.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats failed: %v", err)), nil
		}

		total := 0
		for _, n := range counts {
			total += n
		}
		output := map[string]interface{}{
			"collections":   counts,
			"total_vectors": total,
		}
		data, _ := json.MarshalIndent(output, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

// optionsFromRequest folds per-call overrides on top of the configured
// defaults. Unset numbers fall through to the engine's own defaults.
func optionsFromRequest(req mcp.CallToolRequest, defaults analyze.Options) analyze.Options {
	opts := defaults

	if collection, err := req.RequireString("collection"); err == nil && collection != "" {
		opts.Collection = collection
	}
	if topK, err := req.RequireFloat("top_k"); err == nil && topK > 0 {
		opts.TopK = int(topK)
	}
	if minSim, err := req.RequireFloat("min_similarity"); err == nil && minSim > 0 {
		opts.MinSimilarity = minSim
	}
	if minSize, err := req.RequireFloat("min_cluster_size"); err == nil && minSize > 0 {
		opts.MinClusterSize = int(minSize)
	}
	opts.Strict = req.GetBool("strict", defaults.Strict)

	return opts
}

// --- Resources ---

func registerCollectionsResource(s *server.MCPServer, cfg ServerConfig) {
	resource := mcp.NewResource(
		"rolescope://collections",
		"Indexed Collections",
		mcp.WithResourceDescription("Collections in the vector index with their role vector counts."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runMu.Lock()
		defer runMu.Unlock()

		counts, err := cfg.Engine.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading collections resource: %w", err)
		}

		type collectionInfo struct {
			Name    string `json:"name"`
			Vectors int    `json:"vectors"`
		}
		collections := make([]collectionInfo, 0, len(counts))
		for name, n := range counts {
			collections = append(collections, collectionInfo{Name: name, Vectors: n})
		}
		sort.Slice(collections, func(i, j int) bool { return collections[i].Name < collections[j].Name })

		payload := map[string]interface{}{
			"collections": collections,
			"count":       len(collections),
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}
