package audit

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	assert.NotNil(t, NewLogger(zerolog.New(&buf)))
}

func TestLogFileOp(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		key       string
		result    string
		details   string
		wantLevel string
	}{
		{"upload allowed", "upload", "u1/1-a.txt", ResultAllowed, "", "info"},
		{"delete denied", "delete", "u2/1-b.txt", ResultDenied, "key outside owner namespace", "warn"},
		{"list failed", "list", "", ResultFailed, "store unavailable", "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(zerolog.New(&buf)).LogFileOp("u1", tt.operation, tt.key, tt.result, tt.details)

			entry := decode(t, &buf)
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "file_operation", entry["event_type"])
			assert.Equal(t, "u1", entry["owner"])
			assert.Equal(t, tt.operation, entry["operation"])
			assert.Equal(t, tt.result, entry["result"])

			if tt.key == "" {
				assert.NotContains(t, entry, "key")
			} else {
				assert.Equal(t, tt.key, entry["key"])
			}
			if tt.details == "" {
				assert.NotContains(t, entry, "details")
			} else {
				assert.Equal(t, tt.details, entry["details"])
			}
		})
	}
}

func TestLogShareIssue(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogShareIssue("u1", "u1/1-a.txt", ResultAllowed, "")

	entry := decode(t, &buf)
	assert.Equal(t, "share_issue", entry["event_type"])
	assert.Equal(t, "u1/1-a.txt", entry["key"])
	assert.NotContains(t, entry, "token")
}

func TestLogShareAccessOmitsKey(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogShareAccess("resolve", ResultDenied)

	entry := decode(t, &buf)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "share_access", entry["event_type"])
	assert.NotContains(t, entry, "key")
}

func TestLogQuota(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogQuota("u1", 600000, 1000000, ResultDenied)

	entry := decode(t, &buf)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, float64(600000), entry["requested_bytes"])
	assert.Equal(t, float64(1000000), entry["limit_bytes"])
}

func TestNopLogger(t *testing.T) {
	l := NewLogger(zerolog.Nop())
	l.LogFileOp("u1", "upload", "u1/1-a", ResultAllowed, "")
	l.LogShareAccess("resolve", ResultAllowed)
}
