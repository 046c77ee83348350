package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriterHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn")

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}

	logger.Warn("kept", "owner", "0xabc")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json line: %v", err)
	}
	if entry["msg"] != "kept" || entry["owner"] != "0xabc" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewWithWriterDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "chatty")

	logger.Debug("dropped")
	logger.Info("kept")
	if bytes.Count(buf.Bytes(), []byte("\n")) != 1 {
		t.Fatalf("expected exactly one line, got %q", buf.String())
	}
}
