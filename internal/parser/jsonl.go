package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ccost/internal/model"
)

// bedrockPrefix marks message IDs minted by the AWS Bedrock gateway.
const bedrockPrefix = "msg_bdrk_"

// DefaultThinkingCharsPerToken converts thinking-block character length to
// a token estimate. Empirical calibration constant; the pricing config can
// override it without a rebuild.
const DefaultThinkingCharsPerToken = 2.5

// rawLine mirrors the transcript JSONL structure. Only the fields the
// pipeline reads are declared.
type rawLine struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Message   *rawMessage `json:"message"`
}

type rawMessage struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Content []rawContent `json:"content"`
	Usage   *rawUsage    `json:"usage"`
}

type rawContent struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

type rawUsage struct {
	InputTokens              int64   `json:"input_tokens"`
	OutputTokens             int64   `json:"output_tokens"`
	CacheCreationInputTokens int64   `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64   `json:"cache_read_input_tokens"`
	ServiceTier              *string `json:"service_tier"`
}

// Most transcript lines are user turns, tool results, or progress events
// that carry no billing data. A line is only worth a full JSON decode if
// both markers appear in its raw bytes; the decode still validates every
// field independently.
var (
	markerAssistant = []byte(`"assistant"`)
	markerUsage     = []byte(`"usage"`)
)

// Options control one parse pass.
type Options struct {
	// MonthStart, when set, drops records timestamped strictly before it,
	// so month-only scans never feed old records into the dedup fold.
	MonthStart time.Time
	// ThinkingCharsPerToken overrides the default estimate divisor.
	// Zero means DefaultThinkingCharsPerToken.
	ThinkingCharsPerToken float64
}

// ParseFile streams one transcript file and returns its usage records.
// Malformed or irrelevant lines are skipped; only I/O failures are errors.
func ParseFile(ctx context.Context, path string, opts Options) ([]model.LogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []model.LogRecord
	err = forEachLine(ctx, f, func(line []byte) {
		if rec, ok := decodeLine(line, opts); ok {
			records = append(records, rec)
		}
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// decodeLine decodes one transcript line into a LogRecord.
// Returns false for lines that carry no billable data.
func decodeLine(line []byte, opts Options) (model.LogRecord, bool) {
	if !bytes.Contains(line, markerAssistant) || !bytes.Contains(line, markerUsage) {
		return model.LogRecord{}, false
	}

	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return model.LogRecord{}, false
	}
	if raw.Type != "assistant" || raw.Message == nil || raw.Message.ID == "" || raw.Message.Usage == nil {
		return model.LogRecord{}, false
	}

	usage := raw.Message.Usage
	rec := model.LogRecord{
		MessageID: raw.Message.ID,
		Model:     raw.Message.Model,
		Usage: model.TokenUsage{
			InputTokens:              usage.InputTokens,
			OutputTokens:             usage.OutputTokens,
			CacheCreationInputTokens: usage.CacheCreationInputTokens,
			CacheReadInputTokens:     usage.CacheReadInputTokens,
		},
	}

	switch {
	case strings.HasPrefix(raw.Message.ID, bedrockPrefix):
		rec.Origin = model.OriginBedrock
	case usage.ServiceTier == nil:
		rec.Origin = model.OriginAPI
	default:
		rec.Origin = model.OriginSubscription
	}

	// An unparseable timestamp is not an error: the record still counts
	// toward all-time totals, just not toward any time window.
	if ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
		utc := ts.UTC()
		rec.Timestamp = &utc
	}

	var thinkingChars int64
	for _, c := range raw.Message.Content {
		if c.Type == "thinking" {
			thinkingChars += int64(len(c.Thinking))
		}
	}
	if thinkingChars > 0 {
		div := opts.ThinkingCharsPerToken
		if div <= 0 {
			div = DefaultThinkingCharsPerToken
		}
		rec.ThinkingTokens = int64(float64(thinkingChars) / div)
	}

	if !opts.MonthStart.IsZero() && rec.Timestamp != nil && rec.Timestamp.Before(opts.MonthStart) {
		return model.LogRecord{}, false
	}

	return rec, true
}

// ListFiles returns all .jsonl transcript paths under dir.
// A missing directory yields no files and no error.
func ListFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".jsonl" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return files, nil
}
