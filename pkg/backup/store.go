package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	// ErrRecordNotFound indicates the requested snapshot record was not found.
	ErrRecordNotFound = errors.New("snapshot record not found")
	// ErrStoreCorrupted indicates a record or its XML could not be read back.
	ErrStoreCorrupted = errors.New("store corrupted")

	errEmptyID = errors.New("snapshot ID is empty")
)

// Record is the persisted form of a Snapshot.
type Record struct {
	ID         string    `json:"id"`
	RunID      string    `json:"runID,omitempty"`
	VMName     string    `json:"vmName"`
	WasRunning bool      `json:"wasRunning"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists snapshots so that they survive a crashed run.
type Store interface {
	Save(rec Record, xml string) error
	Load(id string) (Record, string, error)
	// List returns every record, oldest first.
	List() ([]Record, error)
	Delete(id string) error
}

// FileStore keeps one <id>.json record and one <id>.xml definition per snapshot.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Save writes the XML first so a record never points at a missing definition.
func (s *FileStore) Save(rec Record, xml string) error {
	if rec.ID == "" {
		return errEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot record: %w", err)
	}
	if err := os.WriteFile(s.xmlPath(rec.ID), []byte(xml), 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot XML: %w", err)
	}
	if err := os.WriteFile(s.recordPath(rec.ID), data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot record: %w", err)
	}
	return nil
}

// Load reads a record and its XML.
func (s *FileStore) Load(id string) (Record, string, error) {
	if id == "" {
		return Record{}, "", errEmptyID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.load(id)
}

func (s *FileStore) load(id string) (Record, string, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, "", fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	} else if err != nil {
		return Record{}, "", fmt.Errorf("failed to read snapshot record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, "", errors.Join(err, fmt.Errorf("id=%s", id), ErrStoreCorrupted)
	}

	xml, err := os.ReadFile(s.xmlPath(id))
	if err != nil {
		return Record{}, "", errors.Join(err, fmt.Errorf("id=%s", id), ErrStoreCorrupted)
	}

	return rec, string(xml), nil
}

// List skips records that cannot be decoded.
func (s *FileStore) List() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var out []Record
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		rec, _, err := s.load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}

	sortRecords(out)
	return out, nil
}

// Delete removes a record and its XML.
func (s *FileStore) Delete(id string) error {
	if id == "" {
		return errEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.recordPath(id)); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	} else if err != nil {
		return fmt.Errorf("failed to delete snapshot record: %w", err)
	}
	if err := os.Remove(s.xmlPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete snapshot XML: %w", err)
	}
	return nil
}

func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) xmlPath(id string) string {
	return filepath.Join(s.dir, id+".xml")
}

// MemoryStore is a Store for runs that do not need crash recovery.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	xmls    map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]Record{},
		xmls:    map[string]string{},
	}
}

func (s *MemoryStore) Save(rec Record, xml string) error {
	if rec.ID == "" {
		return errEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	s.xmls[rec.ID] = xml
	return nil
}

func (s *MemoryStore) Load(id string) (Record, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, "", fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return rec, s.xmls[id], nil
}

func (s *MemoryStore) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	delete(s.records, id)
	delete(s.xmls, id)
	return nil
}

func sortRecords(recs []Record) {
	slices.SortStableFunc(recs, func(a, b Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
