package parser

import "ccost/internal/model"

// Deduplicate folds records sharing a message ID into one canonical record
// per ID. Claude Code rewrites the same logical response across several
// physical lines as it streams, so the last-observed line wins for model,
// origin, timestamp, and token counts. The thinking-token estimate instead
// keeps its maximum: it is reconstructed per partial write and a later,
// shorter write must not regress it.
func Deduplicate(records []model.LogRecord) []model.LogRecord {
	index := make(map[string]int, len(records))
	out := make([]model.LogRecord, 0, len(records))

	for _, r := range records {
		i, seen := index[r.MessageID]
		if !seen {
			index[r.MessageID] = len(out)
			out = append(out, r)
			continue
		}
		watermark := out[i].ThinkingTokens
		if r.ThinkingTokens > watermark {
			watermark = r.ThinkingTokens
		}
		out[i] = r
		out[i].ThinkingTokens = watermark
	}

	return out
}
