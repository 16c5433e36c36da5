package watcher

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/ctxfold/sidecar/internal/tokens"
)

const tailScanBytes = 10 * 1024

type assistantUsageLine struct {
	Type    string `json:"type"`
	Message struct {
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// ExtractTokens returns the context-consuming token count for a
// transcript: input_tokens + cache_creation_input_tokens from the last
// assistant turn with a usage block in the trailing 10KiB of the file.
// cache_read_input_tokens is deliberately excluded since those tokens
// were already billed once and do not represent new context pressure.
// When no usage block is found, it falls back to a byte-ratio estimate
// and reports isReal=false.
func ExtractTokens(path string, maxTokens int) (count int, isReal bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, false, err
	}
	size := info.Size()

	offset := int64(0)
	if size > tailScanBytes {
		offset = size - tailScanBytes
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return 0, false, err
	}
	buf := make([]byte, size-offset)
	if _, err := f.Read(buf); err != nil {
		return 0, false, err
	}

	lines := strings.Split(string(buf), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if i == 0 && offset > 0 {
			// Possibly a partial line left over from the seek; a real
			// assistant turn that matters will also appear whole further
			// back or in a later update.
			continue
		}
		var parsed assistantUsageLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		if parsed.Type != "assistant" {
			continue
		}
		u := parsed.Message.Usage
		if u.InputTokens == 0 && u.CacheCreationInputTokens == 0 && u.CacheReadInputTokens == 0 {
			continue
		}
		return u.InputTokens + u.CacheCreationInputTokens, true, nil
	}

	return tokens.ByteRatioEstimate(size, maxTokens), false, nil
}
