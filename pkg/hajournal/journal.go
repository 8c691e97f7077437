package hajournal

import (
	"bytes"
	"database/sql/driver"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/metrics"
	"github.com/rs/zerolog"
)

func init() {
	gob.Register(time.Time{})
}

// Entry is one replicated SQL statement.
type Entry struct {
	SQL    string
	Params []any
}

// NewEntry creates an entry with params converted to driver values so the
// journal file only holds types it can encode.
func NewEntry(query string, params []any) (Entry, error) {
	out := make([]any, len(params))
	for i, p := range params {
		v, err := driver.DefaultParameterConverter.ConvertValue(p)
		if err != nil {
			return Entry{}, fmt.Errorf("param %d: %w", i, err)
		}
		out[i] = v
	}
	return Entry{SQL: query, Params: out}, nil
}

// Journal is the ordered list of statements not yet applied on the peer,
// mirrored to a file.
type Journal struct {
	mu      sync.Mutex
	path    string
	entries []Entry
	dirty   bool
	logger  zerolog.Logger
}

// Open loads the journal at path. A missing file yields an empty journal;
// an unreadable one is logged and discarded.
func Open(path string) (*Journal, error) {
	j := &Journal{
		path:   path,
		logger: log.WithComponent("hajournal"),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read journal: %w", err)
	default:
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&j.entries); err != nil {
			j.logger.Warn().Err(err).Str("path", path).Msg("Journal file is corrupt, starting with an empty journal")
			j.entries = nil
			j.dirty = true
		}
	}

	metrics.JournalLength.Set(float64(len(j.entries)))
	return j, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Len returns the number of pending entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Entries returns a copy of the pending entries, oldest first.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Append adds an entry at the tail.
func (j *Journal) Append(e Entry) {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.dirty = true
	j.mu.Unlock()
}

// Peek returns the oldest entry.
func (j *Journal) Peek() (Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) == 0 {
		return Entry{}, false
	}
	return j.entries[0], true
}

// Shift removes the oldest entry.
func (j *Journal) Shift() {
	j.mu.Lock()
	if len(j.entries) > 0 {
		j.entries[0] = Entry{}
		j.entries = j.entries[1:]
		j.dirty = true
	}
	j.mu.Unlock()
}

// Clear drops every entry.
func (j *Journal) Clear() {
	j.mu.Lock()
	if len(j.entries) > 0 {
		j.entries = nil
		j.dirty = true
	}
	j.mu.Unlock()
}

// Write persists the journal if it changed since the last write. The file
// is replaced atomically so a crash leaves either the old or the new list.
func (j *Journal) Write() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	metrics.JournalLength.Set(float64(len(j.entries)))
	if !j.dirty {
		return nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(j.entries); err != nil {
		return fmt.Errorf("failed to encode journal: %w", err)
	}
	if err := writeFileAtomic(j.path, buf.Bytes()); err != nil {
		return err
	}
	j.dirty = false
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	return nil
}
