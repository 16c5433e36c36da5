package llmclient

import "testing"

func TestParseCompressedReplySectionedLayout(t *testing.T) {
	reply := `SUMMARY:
Refactored the auth layer to use jwt sessions.
DECISIONS:
- use jwt for auth
- keep refresh tokens server-side
FILES:
- internal/auth/jwt.go
ERRORS:
- flaky TestRefresh on CI
PROGRESS:
about 70% complete`

	result := parseCompressedReply(reply)
	if result.Summary != "Refactored the auth layer to use jwt sessions." {
		t.Errorf("unexpected summary: %q", result.Summary)
	}
	if len(result.Decisions) != 2 || result.Decisions[0] != "use jwt for auth" {
		t.Errorf("unexpected decisions: %v", result.Decisions)
	}
	if len(result.Files) != 1 || result.Files[0] != "internal/auth/jwt.go" {
		t.Errorf("unexpected files: %v", result.Files)
	}
	if len(result.Errors) != 1 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
	if result.Progress != "about 70% complete" {
		t.Errorf("unexpected progress: %q", result.Progress)
	}
}

func TestParseCompressedReplyCaseAndWhitespaceTolerant(t *testing.T) {
	reply := "  summary: all done\n  decisions:\n   -  ship it  \n"
	result := parseCompressedReply(reply)
	if result.Summary != "all done" {
		t.Errorf("expected lowercase headers to parse, got summary %q", result.Summary)
	}
	if len(result.Decisions) != 1 || result.Decisions[0] != "ship it" {
		t.Errorf("expected whitespace-tolerant bullet parsing, got %v", result.Decisions)
	}
}

func TestParseCompressedReplyRawFallback(t *testing.T) {
	reply := "the model ignored the layout entirely and just wrote prose"
	result := parseCompressedReply(reply)
	if result.Summary != reply {
		t.Errorf("expected the raw reply as summary, got %q", result.Summary)
	}
	if len(result.Decisions) != 0 || len(result.Files) != 0 || len(result.Errors) != 0 {
		t.Errorf("expected empty lists on fallback, got %+v", result)
	}
}

func TestCompressMetadataRoundTrip(t *testing.T) {
	in := &CompressResult{
		Summary:          "s",
		Decisions:        []string{"d1", "d2"},
		Files:            []string{"f"},
		Errors:           []string{"e"},
		Progress:         "p",
		OriginalTokens:   100,
		CompressedTokens: 30,
		TokensSaved:      70,
		CompressionRatio: 0.3,
	}
	meta := MarshalCompressMetadata(in)

	// Checkpoint metadata travels through JSON, so slices come back as
	// []any and ints as float64; mimic that before reversing.
	jsonish := map[string]any{}
	for k, v := range meta {
		switch t := v.(type) {
		case []string:
			arr := make([]any, len(t))
			for i, s := range t {
				arr[i] = s
			}
			jsonish[k] = arr
		case int:
			jsonish[k] = float64(t)
		default:
			jsonish[k] = v
		}
	}

	out := CompressResultFromMetadata(jsonish)
	if out.Summary != in.Summary || out.Progress != in.Progress {
		t.Errorf("summary/progress mismatch: %+v", out)
	}
	if len(out.Decisions) != 2 || out.Decisions[1] != "d2" {
		t.Errorf("decisions mismatch: %v", out.Decisions)
	}
	if out.OriginalTokens != 100 || out.CompressedTokens != 30 || out.TokensSaved != 70 {
		t.Errorf("token counts mismatch: %+v", out)
	}
	if out.CompressionRatio != 0.3 {
		t.Errorf("ratio mismatch: %v", out.CompressionRatio)
	}
}
