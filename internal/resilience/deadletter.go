package resilience

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Dead-letter stages.
const (
	StageFetch = "fetch"
	StageParse = "parse"
	StageImage = "image"
)

const (
	snippetLimit = 500
	messageLimit = 1000
)

// DeadLetterEntry is one failed boss page in the audit log.
type DeadLetterEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	BossName       string    `json:"boss_name"`
	Stage          string    `json:"stage"`
	ErrorMessage   string    `json:"error_message"`
	RawDataSnippet string    `json:"raw_data_snippet"`
}

// DeadLetter records per-entity failures for operators. It is write-only.
type DeadLetter interface {
	Record(entry DeadLetterEntry) error
}

// FileDeadLetter appends entries as JSON lines.
type FileDeadLetter struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewFileDeadLetter opens a size-rotated JSONL log at path.
func NewFileDeadLetter(path string, maxSizeMB, maxBackups int) (*FileDeadLetter, error) {
	if path == "" {
		return nil, eris.New("deadletter: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "deadletter: create log dir")
	}
	return NewDeadLetterWriter(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}), nil
}

// NewDeadLetterWriter writes entries to w.
func NewDeadLetterWriter(w io.Writer) *FileDeadLetter {
	return &FileDeadLetter{w: w, now: time.Now}
}

// Record appends one entry, filling the timestamp and truncating the error
// message and raw snippet.
func (d *FileDeadLetter) Record(entry DeadLetterEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = d.now().UTC()
	}
	entry.ErrorMessage = Truncate(entry.ErrorMessage, messageLimit)
	entry.RawDataSnippet = Truncate(entry.RawDataSnippet, snippetLimit)

	line, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "deadletter: marshal entry")
	}
	line = append(line, '\n')

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.w.Write(line); err != nil {
		return eris.Wrap(err, "deadletter: write entry")
	}
	return nil
}

// Close closes the underlying writer if it is closable.
func (d *FileDeadLetter) Close() error {
	if c, ok := d.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ImageSnippet is the raw-data snippet recorded for gif resolution failures.
func ImageSnippet(filename string) string {
	return "Image filename: " + filename
}

// Truncate cuts s to limit runes, marking the cut with "...".
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + "..."
}
