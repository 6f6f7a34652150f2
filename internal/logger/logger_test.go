package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestSetLevelFiltersOutput(t *testing.T) {
	var buf bytes.Buffer
	UseWriter(&buf)
	if err := SetLevel("warn"); err != nil {
		t.Fatalf("set level: %v", err)
	}
	defer func() { _ = SetLevel("info") }()

	Debug("hidden debug")
	Info("hidden info")
	Warn("visible warn")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("filtered levels leaked: %s", out)
	}
	if !strings.Contains(out, "visible warn") {
		t.Fatalf("warn level missing: %s", out)
	}
}

func TestSetLevelRejectsGarbage(t *testing.T) {
	if err := SetLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestWithSessionAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	UseWriter(&buf)
	defer func() { _ = SetLevel("info") }()

	l := WithSession(Logger(), "sess-1", "rtmp://host/live/x")
	l.Info("publishing")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["session_id"] != "sess-1" {
		t.Fatalf("missing session_id: %v", entry)
	}
	if entry["url"] != "rtmp://host/live/x" {
		t.Fatalf("missing url: %v", entry)
	}
}

func TestParseLevelAliases(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"debug", true}, {"info", true}, {"warning", true}, {"err", true},
		{"ERROR", true}, {" warn ", true}, {"verbose", false},
	}
	for _, tc := range cases {
		if _, ok := parseLevel(tc.in); ok != tc.ok {
			t.Fatalf("parseLevel(%q): expected ok=%t", tc.in, tc.ok)
		}
	}
}
