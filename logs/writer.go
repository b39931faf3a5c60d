// Package logs writes per-inverter frame transcripts for protocol
// debugging. Transcripts are append-only hex dumps; they carry no
// bridge state.
package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Writer appends frame transcripts under a base directory, one file
// per inverter.
type Writer struct {
	path          string
	retentionDays int

	mu    sync.Mutex
	files map[string]*os.File
}

// NewWriter creates the transcript directory if needed.
func NewWriter(path string, retentionDays int) *Writer {
	if err := os.MkdirAll(path, 0755); err != nil {
		log.Errorf("create transcript dir %s: %v", path, err)
	}
	return &Writer{
		path:          path,
		retentionDays: retentionDays,
		files:         make(map[string]*os.File),
	}
}

// Write appends one frame line. name is the inverter serial, or the
// remote address before discovery; direction is "TX" or "RX".
func (w *Writer) Write(name, direction string, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.file(name)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%s %s % x\n", time.Now().Format("2006-01-02 15:04:05.000"), direction, frame)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write transcript for %s: %w", name, err)
	}
	return nil
}

// file returns the open transcript for name, opening it on first use.
// Callers hold w.mu.
func (w *Writer) file(name string) (*os.File, error) {
	if f, ok := w.files[name]; ok {
		return f, nil
	}
	f, err := os.OpenFile(w.logPath(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open transcript for %s: %w", name, err)
	}
	w.files[name] = f
	return f, nil
}

// logPath sanitizes name into a file path. Remote addresses contain
// colons.
func (w *Writer) logPath(name string) string {
	safe := strings.NewReplacer(":", "_", "/", "_").Replace(name)
	return filepath.Join(w.path, safe+".log")
}

// Cleanup removes transcripts untouched for longer than the retention
// period. Run it on a daily ticker.
func (w *Writer) Cleanup() {
	cutoff := time.Now().AddDate(0, 0, -w.retentionDays)

	entries, err := os.ReadDir(w.path)
	if err != nil {
		log.Errorf("list transcripts: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		full := filepath.Join(w.path, entry.Name())
		w.mu.Lock()
		for name, f := range w.files {
			if w.logPath(name) == full {
				f.Close()
				delete(w.files, name)
			}
		}
		w.mu.Unlock()
		if err := os.Remove(full); err != nil {
			log.Warnf("remove old transcript %s: %v", full, err)
		} else {
			log.Infof("removed old transcript %s", full)
		}
	}
}

// Close flushes and closes every open transcript.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, f := range w.files {
		f.Close()
		delete(w.files, name)
	}
}
