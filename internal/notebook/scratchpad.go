package notebook

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Scratchpad is the shared memory file. Writes are serialized; reads see
// the last committed contents.
type Scratchpad struct {
	mu   sync.RWMutex
	path string
}

// NewScratchpad binds a scratchpad to a file path.
func NewScratchpad(path string) *Scratchpad {
	return &Scratchpad{path: path}
}

// Read returns the scratchpad contents, empty when the file does not exist.
func (s *Scratchpad) Read() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contents, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("notebook: read scratchpad: %w", err)
	}
	return string(contents), nil
}

// Write replaces the scratchpad contents. The write goes through a temp
// file and rename so readers never see a partial file.
func (s *Scratchpad) Write(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".memory-*.md")
	if err != nil {
		return fmt.Errorf("notebook: write scratchpad: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("notebook: write scratchpad: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("notebook: write scratchpad: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("notebook: write scratchpad: %w", err)
	}
	return nil
}
