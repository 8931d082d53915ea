package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONLoggerCarriesService(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "dispatcher", "json", "info", false)
	log.Debug("hidden")
	log.Info("hello", "campaign_id", "cmp_1")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected a single json line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "dispatcher" || line["campaign_id"] != "cmp_1" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestUnknownFormatFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "api", "xml", "", false)
	if !strings.Contains(buf.String(), `"unknown log format, defaulting to json"`) {
		t.Fatalf("expected json warning, got %q", buf.String())
	}
}

func TestDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "api", "text", "debug", false).Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("debug line missing: %q", buf.String())
	}
}
