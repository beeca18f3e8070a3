package flow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	DefaultStorageFileName = ".levfi-flows.json"
)

// Store is the durable key-value store flow progress survives a reload in.
// Keys are the namespaced strings from StorageKey.
type Store interface {
	// Load returns the state under key, or nil when there is none
	Load(key string) (*State, error)
	// Save persists the state under key
	Save(key string, state *State) error
	// Delete removes the state under key
	Delete(key string) error
}

// FileStore persists flow states in a single JSON file
type FileStore struct {
	filePath string
	mu       sync.Mutex
	states   map[string]*State
}

// fileLayout is the JSON structure on disk
type fileLayout struct {
	Flows map[string]*State `json:"flows"`
}

// NewFileStore creates a file store, defaulting to the home directory
func NewFileStore(filePath string) (*FileStore, error) {
	if filePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		filePath = filepath.Join(home, DefaultStorageFileName)
	}

	store := &FileStore{
		filePath: filePath,
		states:   make(map[string]*State),
	}

	if err := store.load(); err != nil {
		// A missing file is fine, it is created on first save.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load flow states: %w", err)
		}
	}

	return store, nil
}

// load reads all states from the storage file
func (s *FileStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return fmt.Errorf("failed to unmarshal flow states: %w", err)
	}

	s.states = layout.Flows
	if s.states == nil {
		s.states = make(map[string]*State)
	}

	return nil
}

// save writes all states to the storage file atomically
func (s *FileStore) save() error {
	data, err := json.MarshalIndent(fileLayout{Flows: s.states}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal flow states: %w", err)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to a temporary file first, then rename for an atomic write
	tempFile := s.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write flow states: %w", err)
	}

	if err := os.Rename(tempFile, s.filePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Load returns the state under key, or nil when there is none
func (s *FileStore) Load(key string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.states[key]
	if !exists {
		return nil, nil
	}

	// Copy so the caller cannot mutate the stored record in place.
	out := *state
	return &out, nil
}

// Save persists the state under key
func (s *FileStore) Save(key string, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *state
	s.states[key] = &stored

	return s.save()
}

// Delete removes the state under key
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[key]; !exists {
		return nil
	}

	delete(s.states, key)
	return s.save()
}

// GetFilePath returns the storage file path
func (s *FileStore) GetFilePath() string {
	return s.filePath
}
