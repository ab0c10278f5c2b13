package embed

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

// maxSequenceLength caps tokenized input. Policy sentences are short;
// anything longer is truncated rather than rejected.
const maxSequenceLength = 256

// ortInit guards one-time ONNX runtime environment initialization.
var ortInit sync.Once
var ortInitErr error

func initRuntime() error {
	ortInit.Do(func() {
		if lib := os.Getenv("ROLESCOPE_ONNX_LIB"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		if !ort.IsInitialized() {
			ortInitErr = ort.InitializeEnvironment()
		}
	})
	return ortInitErr
}

// LocalEmbedder runs a sentence-transformer ONNX model in-process
// (all-MiniLM-L6-v2 or compatible). The model directory must contain
// model.onnx and tokenizer.json. Output is mean-pooled over the attention
// mask and L2-normalized, matching the sentence-transformers convention,
// so scores are comparable with remote providers serving the same model.
type LocalEmbedder struct {
	mu      sync.Mutex // the ONNX session is not safe for concurrent Run
	tk      *tokenizer.Tokenizer
	session *ort.DynamicAdvancedSession
	dims    int
}

// NewLocalEmbedder loads the model and tokenizer from modelDir.
func NewLocalEmbedder(modelDir string) (*LocalEmbedder, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("initializing ONNX runtime: %w", err)
	}

	tokenizerPath := filepath.Join(modelDir, "tokenizer.json")
	tk, err := pretrained.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer from %s: %w", tokenizerPath, err)
	}

	modelPath := filepath.Join(modelDir, "model.onnx")
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file %s: %w", modelPath, err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("creating ONNX session for %s: %w", modelPath, err)
	}

	return &LocalEmbedder{tk: tk, session: session}, nil
}

// Embed generates an embedding vector for a single text.
func (l *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encoding, err := l.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, fmt.Errorf("tokenizing text: %w", err)
	}

	ids := encoding.Ids
	mask := encoding.AttentionMask
	typeIDs := encoding.TypeIds
	if len(ids) > maxSequenceLength {
		ids = ids[:maxSequenceLength]
		mask = mask[:maxSequenceLength]
		typeIDs = typeIDs[:maxSequenceLength]
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("tokenizer produced no tokens")
	}

	seqLen := len(ids)
	inputIDs := make([]int64, seqLen)
	attentionMask := make([]int64, seqLen)
	tokenTypes := make([]int64, seqLen)
	for i := 0; i < seqLen; i++ {
		inputIDs[i] = int64(ids[i])
		attentionMask[i] = int64(mask[i])
		tokenTypes[i] = int64(typeIDs[i])
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	shape := ort.NewShape(1, int64(seqLen))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("creating input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("creating attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	typesTensor, err := ort.NewTensor(shape, tokenTypes)
	if err != nil {
		return nil, fmt.Errorf("creating token_type_ids tensor: %w", err)
	}
	defer typesTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := l.session.Run([]ort.Value{idsTensor, maskTensor, typesTensor}, outputs); err != nil {
		return nil, fmt.Errorf("running ONNX model: %w", err)
	}

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	defer hidden.Destroy()

	outShape := hidden.GetShape()
	if len(outShape) != 3 || outShape[0] != 1 || int(outShape[1]) != seqLen {
		return nil, fmt.Errorf("unexpected output shape %v", outShape)
	}
	dims := int(outShape[2])
	l.dims = dims

	return meanPool(hidden.GetData(), attentionMask, seqLen, dims), nil
}

// EmbedBatch embeds texts one at a time; the dynamic session runs a single
// sequence per call.
func (l *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if text == "" {
			continue
		}
		vec, err := l.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		results[i] = vec
	}
	return results, nil
}

// Dimensions returns the model's embedding width, 0 before the first call.
func (l *LocalEmbedder) Dimensions() int {
	return l.dims
}

// Close releases the ONNX session.
func (l *LocalEmbedder) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		err := l.session.Destroy()
		l.session = nil
		return err
	}
	return nil
}

// meanPool averages token embeddings weighted by the attention mask and
// L2-normalizes the result.
func meanPool(hidden []float32, mask []int64, seqLen, dims int) []float32 {
	pooled := make([]float32, dims)
	var count float32
	for tok := 0; tok < seqLen; tok++ {
		if mask[tok] == 0 {
			continue
		}
		count++
		base := tok * dims
		for d := 0; d < dims; d++ {
			pooled[d] += hidden[base+d]
		}
	}
	if count == 0 {
		return pooled
	}

	var norm float64
	for d := 0; d < dims; d++ {
		pooled[d] /= count
		norm += float64(pooled[d]) * float64(pooled[d])
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for d := 0; d < dims; d++ {
			pooled[d] *= inv
		}
	}
	return pooled
}
