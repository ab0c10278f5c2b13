package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/server"

	"github.com/permitlab/rolescope/internal/analyze"
	"github.com/permitlab/rolescope/internal/index"
)

// stubEmbedder derives one of a few fixed directions from keywords in the
// encoded policy text, so the pipeline's geometry is predictable.
type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	switch {
	case strings.Contains(text, "updateBudget"):
		return []float32{1, 0, 0}, nil
	case strings.Contains(text, "viewBudget"):
		return []float32{0.99, 0.1, 0}, nil
	case strings.Contains(text, "viewInvoices"):
		return []float32{0.95, 0.2, 0}, nil
	default:
		return []float32{-1, 0, 0}, nil
	}
}

func (s stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if text == "" {
			continue
		}
		v, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (stubEmbedder) Dimensions() int { return 3 }

func newTestServer(t *testing.T) *server.MCPServer {
	t.Helper()
	idx := index.NewMemory()
	t.Cleanup(func() { idx.Close() })
	engine := analyze.New(stubEmbedder{}, idx)
	return NewServer(ServerConfig{Engine: engine, Version: "test"})
}

// Three roles pointing the same way plus one pointing away: the trio
// clusters, the outlier does not.
const testRolesJSON = `[
	{"key": "billing-admin", "name": "Billing Admin", "policy": [
		{"effect": "allow", "actions": ["updateBudget"], "resources": ["proj/*"]}
	]},
	{"key": "billing-viewer", "name": "Billing Viewer", "policy": [
		{"effect": "allow", "actions": ["viewBudget"], "resources": ["proj/*"]}
	]},
	{"key": "invoice-clerk", "name": "Invoice Clerk", "policy": [
		{"effect": "allow", "actions": ["viewInvoices"], "resources": ["proj/*"]}
	]},
	{"key": "release-manager", "name": "Release Manager", "policy": [
		{"effect": "allow", "actions": ["deployRelease"], "resources": ["proj/*"]}
	]}
]`

func TestNewServer(t *testing.T) {
	if newTestServer(t) == nil {
		t.Fatal("NewServer returned nil")
	}
}

// callTool invokes an MCP tool through the server's JSON-RPC entry point.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]interface{}) (text string, isError bool) {
	t.Helper()

	raw := handleMessage(t, srv, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      name,
			"arguments": args,
		},
	})

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, raw)
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			return c.Text, resp.Result.IsError
		}
	}
	t.Fatal("no text content in result")
	return "", false
}

func handleMessage(t *testing.T, srv *server.MCPServer, msg map[string]interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	result := srv.HandleMessage(context.Background(), data)
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return raw
}

func TestAnalyzeTool(t *testing.T) {
	srv := newTestServer(t)

	text, isError := callTool(t, srv, "rolescope_analyze", map[string]interface{}{
		"roles": testRolesJSON,
	})
	if isError {
		t.Fatalf("tool error: %s", text)
	}

	var result analyze.Result
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		t.Fatalf("parsing result: %v\nraw: %s", err, text)
	}
	if result.Roles != 4 {
		t.Errorf("roles = %d, want 4", result.Roles)
	}
	if len(result.Clusters) != 1 || result.Clusters[0].Size != 3 {
		t.Errorf("clusters = %+v, want one cluster of 3", result.Clusters)
	}
	for _, member := range result.Clusters[0].Members {
		if member == "release-manager" {
			t.Error("outlier role ended up in the cluster")
		}
	}
}

func TestAnalyzeTool_MinClusterSizeOverride(t *testing.T) {
	srv := newTestServer(t)

	text, isError := callTool(t, srv, "rolescope_analyze", map[string]interface{}{
		"roles":            testRolesJSON,
		"min_cluster_size": 4,
	})
	if isError {
		t.Fatalf("tool error: %s", text)
	}

	var result analyze.Result
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if len(result.Clusters) != 0 {
		t.Errorf("clusters = %+v, want none at min size 4", result.Clusters)
	}
}

func TestAnalyzeTool_InvalidRoles(t *testing.T) {
	srv := newTestServer(t)

	text, isError := callTool(t, srv, "rolescope_analyze", map[string]interface{}{
		"roles": "{not json",
	})
	if !isError {
		t.Fatalf("expected error result, got: %s", text)
	}
}

func TestSimilarTool(t *testing.T) {
	srv := newTestServer(t)

	if text, isError := callTool(t, srv, "rolescope_analyze", map[string]interface{}{
		"roles": testRolesJSON,
	}); isError {
		t.Fatalf("seeding analyze failed: %s", text)
	}

	queryPolicy := `[{"effect": "allow", "actions": ["updateBudget", "resetBudget"], "resources": ["proj/*"]}]`
	text, isError := callTool(t, srv, "rolescope_similar", map[string]interface{}{
		"policy": queryPolicy,
		"top_k":  2,
	})
	if isError {
		t.Fatalf("tool error: %s", text)
	}

	var results []index.Result
	if err := json.Unmarshal([]byte(text), &results); err != nil {
		t.Fatalf("parsing results: %v\nraw: %s", err, text)
	}
	if len(results) == 0 || len(results) > 2 {
		t.Fatalf("got %d results, want 1-2", len(results))
	}
	if results[0].RoleID != "billing-admin" {
		t.Errorf("closest role = %q, want billing-admin", results[0].RoleID)
	}
}

func TestStatsTool(t *testing.T) {
	srv := newTestServer(t)

	if text, isError := callTool(t, srv, "rolescope_analyze", map[string]interface{}{
		"roles":      testRolesJSON,
		"collection": "prod-roles",
	}); isError {
		t.Fatalf("seeding analyze failed: %s", text)
	}

	text, isError := callTool(t, srv, "rolescope_stats", nil)
	if isError {
		t.Fatalf("tool error: %s", text)
	}

	var stats struct {
		Collections  map[string]int `json:"collections"`
		TotalVectors int            `json:"total_vectors"`
	}
	if err := json.Unmarshal([]byte(text), &stats); err != nil {
		t.Fatalf("parsing stats: %v", err)
	}
	if stats.Collections["prod-roles"] != 4 || stats.TotalVectors != 4 {
		t.Errorf("stats = %+v, want 4 vectors in prod-roles", stats)
	}
}

func TestCollectionsResource(t *testing.T) {
	srv := newTestServer(t)

	if text, isError := callTool(t, srv, "rolescope_analyze", map[string]interface{}{
		"roles": testRolesJSON,
	}); isError {
		t.Fatalf("seeding analyze failed: %s", text)
	}

	raw := handleMessage(t, srv, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "resources/read",
		"params": map[string]interface{}{
			"uri": "rolescope://collections",
		},
	})

	var resp struct {
		Result struct {
			Contents []struct {
				URI  string `json:"uri"`
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, raw)
	}
	if resp.Error != nil {
		t.Fatalf("resource read error: %s", resp.Error.Message)
	}
	if len(resp.Result.Contents) != 1 {
		t.Fatalf("contents = %+v, want one entry", resp.Result.Contents)
	}

	var payload struct {
		Collections []struct {
			Name    string `json:"name"`
			Vectors int    `json:"vectors"`
		} `json:"collections"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal([]byte(resp.Result.Contents[0].Text), &payload); err != nil {
		t.Fatalf("parsing payload: %v", err)
	}
	if payload.Count != 1 || payload.Collections[0].Name != analyze.DefaultCollection || payload.Collections[0].Vectors != 4 {
		t.Errorf("payload = %+v, want the default collection with 4 vectors", payload)
	}
}

func TestListTools(t *testing.T) {
	srv := newTestServer(t)

	raw := handleMessage(t, srv, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      3,
		"method":  "tools/list",
	})

	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	want := map[string]bool{
		"rolescope_analyze": false,
		"rolescope_similar": false,
		"rolescope_stats":   false,
	}
	for _, tool := range resp.Result.Tools {
		if _, ok := want[tool.Name]; ok {
			want[tool.Name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("tool %s not listed", name)
		}
	}
}
