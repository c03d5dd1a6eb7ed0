package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccost/internal/model"
)

// line builds one transcript line. extra is spliced into the usage object.
func line(id, modelName, ts string, input, output int64, extra string) string {
	usage := fmt.Sprintf(`"input_tokens":%d,"output_tokens":%d,"cache_creation_input_tokens":0,"cache_read_input_tokens":0`, input, output)
	if extra != "" {
		usage += "," + extra
	}
	return fmt.Sprintf(`{"type":"assistant","timestamp":%q,"message":{"id":%q,"model":%q,"usage":{%s}}}`,
		ts, id, modelName, usage)
}

func TestDecodeLine_DirectAPI(t *testing.T) {
	rec, ok := decodeLine([]byte(line("msg_01", "claude-opus-4-5", "2026-08-30T10:00:00.123Z", 100, 200, "")), Options{})
	require.True(t, ok)

	assert.Equal(t, "msg_01", rec.MessageID)
	assert.Equal(t, "claude-opus-4-5", rec.Model)
	assert.Equal(t, model.OriginAPI, rec.Origin)
	assert.Equal(t, int64(100), rec.Usage.InputTokens)
	assert.Equal(t, int64(200), rec.Usage.OutputTokens)
	require.NotNil(t, rec.Timestamp)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 123000000, time.UTC), *rec.Timestamp)
}

func TestDecodeLine_Origins(t *testing.T) {
	tests := []struct {
		name string
		line string
		want model.Origin
	}{
		{"bedrock prefix", line("msg_bdrk_01", "claude-opus-4-5", "2026-08-30T10:00:00Z", 1, 1, ""), model.OriginBedrock},
		{"no service tier", line("msg_01", "claude-opus-4-5", "2026-08-30T10:00:00Z", 1, 1, ""), model.OriginAPI},
		{"service tier present", line("msg_01", "claude-opus-4-5", "2026-08-30T10:00:00Z", 1, 1, `"service_tier":"standard"`), model.OriginSubscription},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := decodeLine([]byte(tt.line), Options{})
			require.True(t, ok)
			assert.Equal(t, tt.want, rec.Origin)
		})
	}
}

func TestDecodeLine_SkipsNonCandidates(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"user turn", `{"type":"user","message":{"content":"hello"}}`},
		{"assistant without usage", `{"type":"assistant","message":{"id":"msg_01","model":"m","content":[]}}`},
		{"usage without message id", line("", "claude-opus-4-5", "2026-08-30T10:00:00Z", 1, 1, "")},
		{"malformed json", `{"type":"assistant","usage":{`},
		{"type mismatch with markers", `{"type":"summary","note":"assistant usage"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := decodeLine([]byte(tt.line), Options{})
			assert.False(t, ok)
		})
	}
}

func TestDecodeLine_ThinkingEstimate(t *testing.T) {
	thinking := strings.Repeat("x", 50)
	raw := fmt.Sprintf(`{"type":"assistant","timestamp":"2026-08-30T10:00:00Z","message":{"id":"msg_01","model":"claude-opus-4-5","content":[{"type":"thinking","thinking":%q},{"type":"text","text":"answer"}],"usage":{"input_tokens":10,"output_tokens":5,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}}`, thinking)

	rec, ok := decodeLine([]byte(raw), Options{})
	require.True(t, ok)
	// 50 chars / 2.5 chars-per-token
	assert.Equal(t, int64(20), rec.ThinkingTokens)

	rec, ok = decodeLine([]byte(raw), Options{ThinkingCharsPerToken: 5})
	require.True(t, ok)
	assert.Equal(t, int64(10), rec.ThinkingTokens)
}

func TestDecodeLine_BadTimestampKeepsRecord(t *testing.T) {
	rec, ok := decodeLine([]byte(line("msg_01", "claude-opus-4-5", "not-a-date", 10, 5, "")), Options{})
	require.True(t, ok)
	assert.Nil(t, rec.Timestamp)
	assert.Equal(t, int64(10), rec.Usage.InputTokens)
}

func TestDecodeLine_MonthStartDrop(t *testing.T) {
	monthStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	opts := Options{MonthStart: monthStart}

	_, ok := decodeLine([]byte(line("msg_old", "claude-opus-4-5", "2026-07-31T23:59:59Z", 1, 1, "")), opts)
	assert.False(t, ok, "record before month start should be dropped")

	_, ok = decodeLine([]byte(line("msg_new", "claude-opus-4-5", "2026-08-01T00:00:00Z", 1, 1, "")), opts)
	assert.True(t, ok)

	// No parseable timestamp: kept, it still belongs to all-time totals.
	_, ok = decodeLine([]byte(line("msg_nots", "claude-opus-4-5", "", 1, 1, "")), opts)
	assert.True(t, ok)
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	content := strings.Join([]string{
		`{"type":"user","message":{"content":"hi"}}`,
		line("msg_01", "claude-opus-4-5", "2026-08-30T10:00:00Z", 100, 200, ""),
		"not json at all",
		line("msg_02", "claude-haiku-4-5", "2026-08-30T11:00:00Z", 10, 20, ""),
	}, "\n") // no trailing newline: the last line must still parse
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	records, err := ParseFile(context.Background(), path, Options{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "msg_01", records[0].MessageID)
	assert.Equal(t, "msg_02", records[1].MessageID)
}

func TestParseFile_MissingFile(t *testing.T) {
	_, err := ParseFile(context.Background(), filepath.Join(t.TempDir(), "absent.jsonl"), Options{})
	assert.Error(t, err)
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jsonl"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.jsonl"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	files, err := ListFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestListFiles_MissingDir(t *testing.T) {
	files, err := ListFiles(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, files)
}
