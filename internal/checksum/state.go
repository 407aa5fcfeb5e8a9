package checksum

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// State is the persisted fingerprint record for one table. One JSON file per
// table; overwritten on every run, removed only by an explicit reset.
type State struct {
	Table     string    `json:"table"`
	Digest    string    `json:"digest"`
	RowCount  int64     `json:"row_count"`
	Timestamp time.Time `json:"timestamp_utc"`
	Mode      Mode      `json:"mode"`
}

// Store keeps checksum state as small durable files under one directory.
// A missing or corrupt file is never an error, only a signal to recompute
// from scratch.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// Sub returns a store in a named subdirectory, used to keep the source and
// target baselines of the same table apart.
func (s *Store) Sub(name string) (*Store, error) {
	return NewStore(filepath.Join(s.dir, name))
}

func (s *Store) path(table string) string {
	// table names are validated upstream; "." only separates a schema qualifier
	name := strings.ReplaceAll(table, ".", "__")
	return filepath.Join(s.dir, name+".json")
}

// Get returns the stored state for table, or ok=false when absent or
// unreadable.
func (s *Store) Get(table string) (State, bool) {
	data, err := os.ReadFile(s.path(table))
	if err != nil {
		return State{}, false
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false
	}
	if st.Table == "" || st.Digest == "" {
		return State{}, false
	}
	return st, true
}

// Save overwrites the state file for st.Table. The write goes through a temp
// file and rename so a crash never leaves a half-written record.
func (s *Store) Save(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(st.Table) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(st.Table))
}

// Clear removes the state file for table. Clearing absent state is a no-op.
func (s *Store) Clear(table string) error {
	err := os.Remove(s.path(table))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ClearAll removes every state file in the store directory.
func (s *Store) ClearAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
