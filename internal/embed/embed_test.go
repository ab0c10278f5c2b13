package embed

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
)

func TestParseFlag(t *testing.T) {
	tests := []struct {
		name    string
		flag    string
		want    *Config
		wantErr bool
	}{
		{
			name: "ollama simple",
			flag: "ollama/all-minilm",
			want: &Config{
				Provider:    "ollama",
				Model:       "all-minilm",
				Endpoint:    "http://localhost:11434/v1/embeddings",
				MaxRetries:  3,
				TimeoutSecs: 60,
			},
		},
		{
			name: "openrouter complex model",
			flag: "openrouter/sentence-transformers/all-MiniLM-L6-v2",
			want: &Config{
				Provider:    "openrouter",
				Model:       "sentence-transformers/all-MiniLM-L6-v2",
				Endpoint:    "https://openrouter.ai/api/v1/embeddings",
				MaxRetries:  3,
				TimeoutSecs: 60,
			},
		},
		{
			name: "local model directory",
			flag: "local/models/all-MiniLM-L6-v2",
			want: &Config{
				Provider:    "local",
				Model:       "models/all-MiniLM-L6-v2",
				MaxRetries:  3,
				TimeoutSecs: 60,
			},
		},
		{
			name:    "empty flag",
			flag:    "",
			wantErr: true,
		},
		{
			name:    "no slash",
			flag:    "ollama",
			wantErr: true,
		},
		{
			name:    "empty model",
			flag:    "ollama/",
			wantErr: true,
		},
		{
			name:    "unknown provider",
			flag:    "bogus/model",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ROLESCOPE_EMBED_ENDPOINT", "")
			t.Setenv("ROLESCOPE_EMBED_API_KEY", "")
			got, err := ParseFlag(tt.flag)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for flag %q", tt.flag)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFlag(%q): %v", tt.flag, err)
			}
			got.APIKey = "" // env-dependent
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseFlag(%q) = %+v, want %+v", tt.flag, got, tt.want)
			}
		})
	}
}

// newEmbedServer returns an httptest server speaking the OpenAI embeddings
// format, answering every input with the given vector.
func newEmbedServer(t *testing.T, vector []float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		resp := Response{}
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: vector, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	client, err := NewClient(&Config{
		Provider:    "test",
		Model:       "test-model",
		Endpoint:    endpoint,
		MaxRetries:  0,
		TimeoutSecs: 5,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestClient_Embed(t *testing.T) {
	want := []float32{0.1, 0.2, 0.3}
	srv := newEmbedServer(t, want)
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	got, err := client.Embed(context.Background(), "allow all actions in all projects")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Embed = %v, want %v", got, want)
	}
	if client.Dimensions() != 3 {
		t.Errorf("Dimensions = %d, want 3", client.Dimensions())
	}
}

func TestClient_EmbedEmptyText(t *testing.T) {
	srv := newEmbedServer(t, []float32{1})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if _, err := client.Embed(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestClient_EmbedBatch_PreservesEmptySlots(t *testing.T) {
	srv := newEmbedServer(t, []float32{1, 2})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	got, err := client.EmbedBatch(context.Background(), []string{"first", "", "third"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(got))
	}
	if got[0] == nil || got[2] == nil {
		t.Error("non-empty inputs should have vectors")
	}
	if got[1] != nil {
		t.Error("empty input slot should stay nil")
	}
}

func TestClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", 500)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if _, err := client.Embed(context.Background(), "text"); err == nil {
		t.Fatal("expected error from failing server")
	}
}

func TestClient_RetriesTransientFailure(t *testing.T) {
	var calls int32
	want := []float32{0.5}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "temporarily unavailable", 503)
			return
		}
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		resp := Response{}
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: want, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := NewClient(&Config{
		Provider:    "test",
		Model:       "test-model",
		Endpoint:    srv.URL,
		MaxRetries:  2,
		TimeoutSecs: 5,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	got, err := client.Embed(context.Background(), "text")
	if err != nil {
		t.Fatalf("Embed with retry: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Embed = %v, want %v", got, want)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 calls (1 failure + 1 success), got %d", calls)
	}
}

func TestClient_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{}) // zero embeddings for any input
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if _, err := client.Embed(context.Background(), "text"); err == nil {
		t.Fatal("expected error for embedding count mismatch")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "valid ollama",
			config: Config{Provider: "ollama", Model: "m", Endpoint: "http://x", MaxRetries: 3, TimeoutSecs: 60},
		},
		{
			name:   "valid local without endpoint",
			config: Config{Provider: "local", Model: "/models/minilm"},
		},
		{
			name:    "missing model",
			config:  Config{Provider: "ollama", Endpoint: "http://x", TimeoutSecs: 60},
			wantErr: true,
		},
		{
			name:    "openai without key",
			config:  Config{Provider: "openai", Model: "m", Endpoint: "http://x", TimeoutSecs: 60},
			wantErr: true,
		},
		{
			name:    "zero timeout",
			config:  Config{Provider: "ollama", Model: "m", Endpoint: "http://x", TimeoutSecs: 0},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMeanPool(t *testing.T) {
	// Two tokens, dims 2; second token masked out.
	hidden := []float32{3, 4, 100, 100}
	mask := []int64{1, 0}

	got := meanPool(hidden, mask, 2, 2)

	// Mean is (3,4); L2-normalized to (0.6, 0.8).
	if math.Abs(float64(got[0])-0.6) > 1e-6 || math.Abs(float64(got[1])-0.8) > 1e-6 {
		t.Errorf("meanPool = %v, want [0.6 0.8]", got)
	}
}

func TestMeanPool_FullMask(t *testing.T) {
	hidden := []float32{1, 0, 3, 0}
	mask := []int64{1, 1}

	got := meanPool(hidden, mask, 2, 2)

	// Mean is (2,0); normalized to (1,0).
	if math.Abs(float64(got[0])-1) > 1e-6 || math.Abs(float64(got[1])) > 1e-6 {
		t.Errorf("meanPool = %v, want [1 0]", got)
	}
}
