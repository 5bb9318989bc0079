// Package onnx runs a transformer sentence encoder through onnxruntime and
// returns the [CLS] hidden state as the text embedding.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/text/unicode/norm"
)

// DefaultMaxSeqLen bounds the token sequence fed to the model.
const DefaultMaxSeqLen = 128

var (
	inputNames  = []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames = []string{"last_hidden_state"}

	envOnce sync.Once
	envErr  error
)

// Config locates the runtime library, model and tokenizer files.
type Config struct {
	LibraryPath   string
	ModelPath     string
	TokenizerPath string
	MaxSeqLen     int
	ModelID       string
}

// Encoder owns one onnxruntime session. Calls are serialized.
type Encoder struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	tk      *tokenizer.Tokenizer
	maxLen  int
	modelID string
}

// New loads the tokenizer and model. The runtime environment is initialized
// once per process.
func New(cfg Config) (*Encoder, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx: model path is required")
	}
	if cfg.TokenizerPath == "" {
		cfg.TokenizerPath = filepath.Join(filepath.Dir(cfg.ModelPath), "tokenizer.json")
	}
	if cfg.MaxSeqLen <= 0 {
		cfg.MaxSeqLen = DefaultMaxSeqLen
	}
	if cfg.ModelID == "" {
		cfg.ModelID = strings.TrimSuffix(filepath.Base(cfg.ModelPath), filepath.Ext(cfg.ModelPath))
	}
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("onnx: init runtime: %w", err)
	}
	tk, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: load tokenizer %s: %w", cfg.TokenizerPath, err)
	}
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("onnx: load model %s: %w", cfg.ModelPath, err)
	}
	return &Encoder{
		session: session,
		tk:      tk,
		maxLen:  cfg.MaxSeqLen,
		modelID: cfg.ModelID,
	}, nil
}

func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// ModelID identifies the loaded model.
func (e *Encoder) ModelID() string {
	return e.modelID
}

// Embed encodes text and returns the first-token hidden state.
func (e *Encoder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized := Normalize(text)
	if normalized == "" {
		return nil, errors.New("onnx: empty text")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, errors.New("onnx: encoder is closed")
	}

	enc, err := e.tk.EncodeSingle(normalized, true)
	if err != nil {
		return nil, fmt.Errorf("onnx: tokenize: %w", err)
	}
	ids := truncate(toInt64(enc.Ids), e.maxLen)
	mask := truncate(toInt64(enc.AttentionMask), e.maxLen)
	types := truncate(toInt64(enc.TypeIds), e.maxLen)
	if len(ids) == 0 {
		return nil, errors.New("onnx: tokenizer produced no tokens")
	}
	if len(mask) != len(ids) {
		mask = ones(len(ids))
	}
	if len(types) != len(ids) {
		types = make([]int64, len(ids))
	}

	shape := ort.NewShape(1, int64(len(ids)))
	idsT, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, fmt.Errorf("onnx: input_ids tensor: %w", err)
	}
	defer idsT.Destroy() //nolint:errcheck // release native memory
	maskT, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("onnx: attention_mask tensor: %w", err)
	}
	defer maskT.Destroy() //nolint:errcheck // release native memory
	typesT, err := ort.NewTensor(shape, types)
	if err != nil {
		return nil, fmt.Errorf("onnx: token_type_ids tensor: %w", err)
	}
	defer typesT.Destroy() //nolint:errcheck // release native memory

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{idsT, maskT, typesT}, outputs); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}
	defer outputs[0].Destroy() //nolint:errcheck // release native memory

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: unexpected output type %T", outputs[0])
	}
	dims := hidden.GetShape()
	if len(dims) != 3 || dims[2] <= 0 {
		return nil, fmt.Errorf("onnx: unexpected output shape %v", dims)
	}
	width := int(dims[2])
	data := hidden.GetData()
	if len(data) < width {
		return nil, fmt.Errorf("onnx: output has %d values, want at least %d", len(data), width)
	}
	vec := make([]float32, width)
	copy(vec, data[:width])
	return vec, nil
}

// Close releases the session. It is safe to call more than once.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}

// Normalize applies NFKC, trims and drops control characters other than
// newline and tab.
func Normalize(text string) string {
	normed := strings.TrimSpace(norm.NFKC.String(text))
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, normed)
}

// truncate keeps the first limit-1 tokens and the final token so the closing
// [SEP] survives.
func truncate(ids []int64, limit int) []int64 {
	if len(ids) <= limit {
		return ids
	}
	out := make([]int64, 0, limit)
	out = append(out, ids[:limit-1]...)
	return append(out, ids[len(ids)-1])
}

func toInt64(in []int) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func ones(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
