package definition

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store keeps the parsed dashboard documents from one directory. Documents
// are keyed by dashboard id; reloading is atomic per file, so a broken edit
// keeps the last good version in memory. Thread-safe.
type Store struct {
	dir string

	mu   sync.RWMutex
	docs map[string]*Document // dashboard id -> document
	byID map[string]string    // dashboard id -> source path
}

// NewStore creates a store over a dashboards directory and loads every
// definition file in it. Files that fail to parse or validate are logged
// and skipped; the store still serves the rest.
func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir, docs: make(map[string]*Document), byID: make(map[string]string)}
	if err := s.LoadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the dashboards directory.
func (s *Store) Dir() string { return s.dir }

// LoadAll rescans the directory, replacing the in-memory set with every
// definition that parses. Used on startup and after a git sync.
func (s *Store) LoadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read dashboards dir %s: %w", s.dir, err)
	}

	docs := make(map[string]*Document)
	byID := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		doc, err := Load(path)
		if err != nil {
			log.Printf("[WARN] skip dashboard definition: %v", err)
			continue
		}
		if prev, ok := byID[doc.ID]; ok {
			log.Printf("[WARN] duplicate dashboard id %q in %s, keeping %s", doc.ID, path, prev)
			continue
		}
		docs[doc.ID] = doc
		byID[doc.ID] = path
	}

	s.mu.Lock()
	s.docs = docs
	s.byID = byID
	s.mu.Unlock()
	return nil
}

// ReloadFile re-parses a single changed file and swaps the document in. a
// parse or validation failure leaves the previous version in place. removed
// files drop their document.
func (s *Store) ReloadFile(path string) error {
	if !isDefinitionFile(filepath.Base(path)) {
		return nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.mu.Lock()
		for id, p := range s.byID {
			if p == path {
				delete(s.docs, id)
				delete(s.byID, id)
			}
		}
		s.mu.Unlock()
		return nil
	}

	doc, err := Load(path)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	s.mu.Lock()
	// the file may have changed its dashboard id; drop any document that
	// previously came from this path
	for id, p := range s.byID {
		if p == path && id != doc.ID {
			delete(s.docs, id)
			delete(s.byID, id)
		}
	}
	s.docs[doc.ID] = doc
	s.byID[doc.ID] = path
	s.mu.Unlock()
	return nil
}

// Get returns the document for a dashboard id, or nil when unknown.
func (s *Store) Get(id string) *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[id]
}

// List returns all documents sorted by id.
func (s *Store) List() []*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// isDefinitionFile reports whether a file name looks like a dashboard
// definition document.
func isDefinitionFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
