package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFileWriterDatedName(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	fw, err := newFileWriter(dir, 3, func() time.Time { return at })
	if err != nil {
		t.Fatalf("newFileWriter: %v", err)
	}
	defer fw.Close()

	if _, err := fw.Write([]byte("line one\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := filepath.Join(dir, "bridge_2026-03-14.log")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("expected %s to exist: %v", want, err)
	}
	if !strings.Contains(string(data), "line one") {
		t.Errorf("file content = %q, want line one", data)
	}
}

func TestFileWriterAdvancesOnNewDay(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	fw, err := newFileWriter(dir, 10, func() time.Time { return day })
	if err != nil {
		t.Fatal(err)
	}
	defer fw.Close()

	fw.Write([]byte("before midnight\n"))

	day = day.Add(2 * time.Minute)
	fw.Write([]byte("after midnight\n"))

	first, _ := os.ReadFile(filepath.Join(dir, "bridge_2026-03-14.log"))
	second, _ := os.ReadFile(filepath.Join(dir, "bridge_2026-03-15.log"))
	if !strings.Contains(string(first), "before midnight") {
		t.Error("first day's file missing its entry")
	}
	if !strings.Contains(string(second), "after midnight") {
		t.Error("second day's file missing its entry")
	}
	if strings.Contains(string(first), "after midnight") {
		t.Error("entry written after midnight landed in the old file")
	}
}

func TestFileWriterForcedRotate(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 14, 15, 4, 5, 0, time.UTC)
	fw, err := newFileWriter(dir, 10, func() time.Time { return at })
	if err != nil {
		t.Fatal(err)
	}
	defer fw.Close()

	fw.Write([]byte("old entry\n"))
	activeBefore := fw.ActivePath()

	archived, err := fw.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if archived == "" {
		t.Fatal("expected an archive path")
	}
	if data, err := os.ReadFile(archived); err != nil || !strings.Contains(string(data), "old entry") {
		t.Errorf("archive should hold the old entry (err=%v)", err)
	}

	fw.Write([]byte("new entry\n"))
	if fw.ActivePath() != activeBefore {
		t.Errorf("active path changed across forced rotate: %s vs %s", fw.ActivePath(), activeBefore)
	}
	data, _ := os.ReadFile(fw.ActivePath())
	if strings.Contains(string(data), "old entry") {
		t.Error("fresh active file should not contain pre-rotate entries")
	}
}

func TestFileWriterPrunesArchives(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"bridge_2026-01-01.log",
		"bridge_2026-01-02.log",
		"bridge_2026-01-03.log",
		"bridge_2026-01-04.log",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	fw, err := NewFileWriter(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer fw.Close()

	entries, _ := os.ReadDir(dir)
	var logs []string
	keptOther := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "bridge_") {
			logs = append(logs, e.Name())
		}
		if e.Name() == "notes.txt" {
			keptOther = true
		}
	}
	// 2 retained + the freshly opened current-day file.
	if len(logs) > 3 {
		t.Errorf("expected at most 3 log files after pruning, got %v", logs)
	}
	if !keptOther {
		t.Error("pruning must not touch unrelated files")
	}
	for _, name := range logs {
		if name == "bridge_2026-01-01.log" || name == "bridge_2026-01-02.log" {
			t.Errorf("oldest archive %s should have been pruned", name)
		}
	}
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []struct {
		level, category, message, fields string
	}
}

func (c *captureRecorder) RecordLog(level, category, message, fieldsJSON string, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, struct {
		level, category, message, fields string
	}{level, category, message, fieldsJSON})
}

func TestStoreSinkPersistsWarnAndAbove(t *testing.T) {
	rec := &captureRecorder{}
	sink := NewStoreSink(rec)
	logger := zerolog.New(sink).With().Timestamp().Logger()

	logger.Info().Str("category", CategoryQueue).Msg("routine")
	logger.Warn().Str("category", CategoryQueue).Int("depth", 9).Msg("queue filling")
	logger.Error().Msg("bad")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.entries) != 2 {
		t.Fatalf("expected 2 persisted entries, got %d", len(rec.entries))
	}
	first := rec.entries[0]
	if first.level != "WARN" || first.category != CategoryQueue || first.message != "queue filling" {
		t.Errorf("unexpected first entry: %+v", first)
	}
	if !strings.Contains(first.fields, `"depth":9`) {
		t.Errorf("fields_json should carry extra fields, got %s", first.fields)
	}
	second := rec.entries[1]
	if second.level != "ERROR" || second.category != CategoryBridge {
		t.Errorf("entries without a category default to bridge: %+v", second)
	}
}

func TestStoreSinkIgnoresNonJSON(t *testing.T) {
	rec := &captureRecorder{}
	sink := NewStoreSink(rec)
	if _, err := sink.Write([]byte("plain text line\n")); err != nil {
		t.Fatalf("non-JSON input must not error: %v", err)
	}
	if len(rec.entries) != 0 {
		t.Error("non-JSON input must not be persisted")
	}
}
