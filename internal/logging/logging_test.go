package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestComponentTagsSubsystemName(t *testing.T) {
	var buf bytes.Buffer
	root := zerolog.New(&buf)

	log := Component(root, "detector")
	log.Info().Msg("scan complete")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["component"] != "detector" {
		t.Errorf("component = %v, want detector", entry["component"])
	}
	if entry["message"] != "scan complete" {
		t.Errorf("message = %v, want 'scan complete'", entry["message"])
	}
}

func TestRecoverAndLogSwallowsPanic(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	func() {
		defer RecoverAndLog(log, "profiler-loop")
		panic("boom")
	}()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["loop"] != "profiler-loop" {
		t.Errorf("loop = %v, want profiler-loop", entry["loop"])
	}
	if entry["panic"] != "boom" {
		t.Errorf("panic = %v, want boom", entry["panic"])
	}
}

func TestRecoverAndLogNoPanicIsNoop(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	func() {
		defer RecoverAndLog(log, "profiler-loop")
	}()

	if buf.Len() != 0 {
		t.Errorf("expected no log output when no panic occurred, got %q", buf.String())
	}
}

func TestNewProducesTimestampedLogger(t *testing.T) {
	log := New(true)
	var buf bytes.Buffer
	log = log.Output(&buf)
	log.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected a time field on the root logger")
	}
}
