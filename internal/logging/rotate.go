package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "bridge_"
	fileSuffix = ".log"
	dayFormat  = "2006-01-02"
)

// FileWriter appends log lines to logs/bridge_YYYY-MM-DD.log, advancing to a
// new file when the UTC day changes and pruning archives beyond the retain
// count. Safe for concurrent writes.
type FileWriter struct {
	mu      sync.Mutex
	dir     string
	retain  int
	file    *os.File
	fileDay time.Time

	// clock is overridable in tests
	clock func() time.Time
}

// NewFileWriter creates the log directory if needed and opens the current
// day's file.
func NewFileWriter(dir string, retain int) (*FileWriter, error) {
	return newFileWriter(dir, retain, time.Now)
}

func newFileWriter(dir string, retain int, clock func() time.Time) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	fw := &FileWriter{dir: dir, retain: retain, clock: clock}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := fw.openCurrent(); err != nil {
		return nil, err
	}
	return fw, nil
}

func (fw *FileWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	day := fw.clock().UTC().Truncate(24 * time.Hour)
	if fw.file == nil || day.After(fw.fileDay) {
		if err := fw.openCurrent(); err != nil {
			return 0, err
		}
	}
	return fw.file.Write(p)
}

// Rotate closes the active file, archives it under a timestamped name, and
// opens a fresh file for the current day. Used by the admin rotate endpoint;
// the daily advance does not need it.
func (fw *FileWriter) Rotate() (archived string, err error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := fw.clock().UTC()
	if fw.file != nil {
		current := fw.file.Name()
		fw.file.Close()
		fw.file = nil
		archived = filepath.Join(fw.dir,
			filePrefix+now.Format(dayFormat)+"_"+now.Format("150405")+fileSuffix)
		if err := os.Rename(current, archived); err != nil {
			return "", fmt.Errorf("failed to archive log file: %w", err)
		}
	}
	if err := fw.openCurrent(); err != nil {
		return "", err
	}
	return archived, nil
}

// Close flushes and closes the active file.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.file == nil {
		return nil
	}
	err := fw.file.Close()
	fw.file = nil
	return err
}

// ActivePath returns the path logs are currently written to.
func (fw *FileWriter) ActivePath() string {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.file == nil {
		return ""
	}
	return fw.file.Name()
}

// openCurrent opens (appending) the dated file for the current UTC day and
// prunes old archives. Caller holds fw.mu.
func (fw *FileWriter) openCurrent() error {
	now := fw.clock().UTC()
	day := now.Truncate(24 * time.Hour)
	path := filepath.Join(fw.dir, filePrefix+day.Format(dayFormat)+fileSuffix)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if fw.file != nil {
		fw.file.Close()
	}
	fw.file = f
	fw.fileDay = day

	fw.prune()
	return nil
}

// prune removes the oldest archives beyond the retain count. Lexicographic
// order matches chronological order for the dated names. Caller holds fw.mu.
func (fw *FileWriter) prune() {
	if fw.retain <= 0 {
		return
	}
	entries, err := os.ReadDir(fw.dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			names = append(names, name)
		}
	}
	if len(names) <= fw.retain {
		return
	}
	sort.Strings(names)
	active := ""
	if fw.file != nil {
		active = filepath.Base(fw.file.Name())
	}
	for _, name := range names[:len(names)-fw.retain] {
		if name == active {
			continue
		}
		os.Remove(filepath.Join(fw.dir, name))
	}
}
