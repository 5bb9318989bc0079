package matcher

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/pipeline"
)

// probeText is parsed once at construction to confirm the analyzer works.
const probeText = "테스트"

// TokenizerConfig controls analyzer selection.
type TokenizerConfig struct {
	// MecabPath is the analyzer binary. Empty disables morphological analysis.
	MecabPath string
	// DicDir is passed to the analyzer with -d when set.
	DicDir string
	// ParseTimeout bounds a single analyzer call. Zero waits forever.
	ParseTimeout time.Duration
}

// WhitespaceTokenizer splits on Unicode whitespace.
type WhitespaceTokenizer struct{}

// Tokenize implements pipeline.Tokenizer.
func (WhitespaceTokenizer) Tokenize(text string) ([]string, error) {
	return strings.Fields(text), nil
}

// Morphological implements pipeline.Tokenizer.
func (WhitespaceTokenizer) Morphological() bool { return false }

// analyzer returns the surface form of each morpheme in text.
type analyzer interface {
	Parse(text string) ([]string, error)
	Close() error
}

// MorphologicalTokenizer splits text into morphemes using an analyzer.
// Calls are serialized because the analyzer is not safe for concurrent use.
type MorphologicalTokenizer struct {
	mu       sync.Mutex
	analyzer analyzer
}

// Tokenize implements pipeline.Tokenizer.
func (m *MorphologicalTokenizer) Tokenize(text string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	morphs, err := m.analyzer.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("morphological parse: %w", err)
	}
	return morphs, nil
}

// Morphological implements pipeline.Tokenizer.
func (m *MorphologicalTokenizer) Morphological() bool { return true }

// Close stops the underlying analyzer.
func (m *MorphologicalTokenizer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.analyzer.Close(); err != nil {
		return fmt.Errorf("close analyzer: %w", err)
	}
	return nil
}

// NewTokenizer returns a morphological tokenizer when the analyzer starts and
// passes its probe, and a WhitespaceTokenizer otherwise. It never fails.
func NewTokenizer(cfg TokenizerConfig, logger *zap.Logger) pipeline.Tokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MecabPath == "" {
		logger.Info("morphological analyzer not configured, using whitespace tokenizer")
		return WhitespaceTokenizer{}
	}
	tagger, err := startMecab(cfg.MecabPath, cfg.DicDir, cfg.ParseTimeout)
	if err != nil {
		logger.Warn("morphological analyzer unavailable, using whitespace tokenizer", zap.Error(err))
		return WhitespaceTokenizer{}
	}
	tok, err := newMorphological(tagger)
	if err != nil {
		logger.Warn("morphological analyzer probe failed, using whitespace tokenizer", zap.Error(err))
		return WhitespaceTokenizer{}
	}
	logger.Info("morphological analyzer ready",
		zap.String("path", cfg.MecabPath),
		zap.String("dicdir", cfg.DicDir),
	)
	return tok
}

func newMorphological(a analyzer) (*MorphologicalTokenizer, error) {
	morphs, err := a.Parse(probeText)
	if err == nil && len(morphs) == 0 {
		err = fmt.Errorf("probe returned no morphemes")
	}
	if err != nil {
		if closeErr := a.Close(); closeErr != nil {
			return nil, fmt.Errorf("probe: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("probe: %w", err)
	}
	return &MorphologicalTokenizer{analyzer: a}, nil
}
