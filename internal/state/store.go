package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"trimorph/pkg/fileutil"
)

// Store persists jail records. Get reports false for a jail that has no
// record yet; callers treat that as StatusStopped.
type Store interface {
	Get(name string) (Record, bool, error)
	Put(r Record) error
	Delete(name string) error
	List() ([]Record, error)
}

// MemoryStore keeps records for the lifetime of the process. The daemon
// uses it: JailState is destroyed when the daemon exits.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(name string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[name]
	return r, ok, nil
}

func (s *MemoryStore) Put(r Record) error {
	if r.Name == "" {
		return errors.New("record has no name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Name] = r
	return nil
}

func (s *MemoryStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, name)
	return nil
}

func (s *MemoryStore) List() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

// FileStore keeps one <name>.json file per jail so records survive between
// CLI invocations when no daemon is running. Writes are atomic; callers
// serialize transitions of the same jail with the per-jail lock.
type FileStore struct {
	Dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.Dir, name+".json")
}

func (s *FileStore) Get(name string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(s.path(name))
}

func (s *FileStore) load(path string) (Record, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read state file: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, false, fmt.Errorf("parse state file %s: %w", path, err)
	}
	if !r.Status.Valid() {
		return Record{}, false, fmt.Errorf("state file %s: unknown status %q", path, r.Status)
	}
	return r, true, nil
}

func (s *FileStore) Put(r Record) error {
	if r.Name == "" {
		return errors.New("record has no name")
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fileutil.AtomicWriteFile(s.path(r.Name), data, 0644); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Delete is idempotent.
func (s *FileStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

// List skips files it cannot parse.
func (s *FileStore) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		r, ok, err := s.load(filepath.Join(s.Dir, e.Name()))
		if err != nil || !ok {
			continue
		}
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Name < rs[j].Name })
}
