// Package tokens estimates token counts for transcript content, backed by
// a real tokenizer where available and the byte-ratio rule elsewhere.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	. "github.com/ctxfold/sidecar/internal/logging"
)

// Estimator wraps a tiktoken encoding, falling back to chars/4 if the
// encoding table could not be loaded.
type Estimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

// DefaultEncoding is cl100k_base, a reasonable stand-in across providers.
const DefaultEncoding = "cl100k_base"

var (
	globalEstimator     *Estimator
	globalEstimatorOnce sync.Once
)

// Get returns the process-wide token estimator.
func Get() *Estimator {
	globalEstimatorOnce.Do(func() {
		var err error
		globalEstimator, err = New()
		if err != nil {
			L_warn("tokens: failed to create estimator, using char-based fallback", "error", err)
			globalEstimator = &Estimator{}
		}
	})
	return globalEstimator
}

// New loads a fresh estimator.
func New() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: enc}, nil
}

// Count returns the token count for a string, falling back to len/4.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return len(text) / 4
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.encoding.Encode(text, nil, nil))
}

// Estimate is a convenience function using the global estimator.
func Estimate(text string) int {
	return Get().Count(text)
}

// BytesPerToken and FallbackOverhead implement the byte-ratio estimation
// rule used when a transcript exposes no usage block: file_size_bytes/6 +
// 2000. 6 is an empirical bytes-per-token constant for English-centric BPE
// tokenizers; 2000 accounts for system-prompt overhead that a raw byte
// count of the transcript tail would otherwise miss.
const (
	BytesPerToken    = 6
	FallbackOverhead = 2000
)

// ByteRatioEstimate implements the fallback estimator, capped at maxTokens.
func ByteRatioEstimate(fileSizeBytes int64, maxTokens int) int {
	estimate := int(fileSizeBytes/BytesPerToken) + FallbackOverhead
	if maxTokens > 0 && estimate > maxTokens {
		return maxTokens
	}
	return estimate
}

// ContentToTokens approximates token count from character length using the
// same /4 ratio the estimator falls back to, for places that need a cheap
// estimate of already-in-memory text (e.g. curation's tokens_freed figure).
func ContentToTokens(content string) int {
	return len(content) / 4
}
