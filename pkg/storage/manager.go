package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Extension is appended to every export name.
const Extension = ".txt"

// Manager handles export files in one directory
type Manager struct {
	outputDir string
	exported  map[string]bool
	mu        sync.RWMutex
}

// NewManager creates the directory if needed and indexes existing exports
func NewManager(outputDir string) (*Manager, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	manager := &Manager{
		outputDir: outputDir,
		exported:  make(map[string]bool),
	}

	if err := manager.scanExistingFiles(); err != nil {
		return nil, fmt.Errorf("failed to scan existing files: %w", err)
	}

	return manager, nil
}

func (m *Manager) scanExistingFiles() error {
	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == Extension {
			m.exported[strings.TrimSuffix(entry.Name(), Extension)] = true
		}
	}

	return nil
}

// Has reports whether an export with the given name exists
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	known := m.exported[name]
	m.mu.RUnlock()
	if known {
		return true
	}

	if _, err := os.Stat(m.Path(name)); err == nil {
		m.mu.Lock()
		m.exported[name] = true
		m.mu.Unlock()
		return true
	}
	return false
}

// Path returns where the export called name lives
func (m *Manager) Path(name string) string {
	return filepath.Join(m.outputDir, name+Extension)
}

// Save writes r to the export called name, replacing any previous one
func (m *Manager) Save(r io.Reader, name string) (string, error) {
	filename := m.Path(name)
	tempFile := filename + ".tmp"

	out, err := os.Create(tempFile)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}

	_, err = io.Copy(out, r)
	closeErr := out.Close()

	if err != nil {
		os.Remove(tempFile)
		return "", fmt.Errorf("failed to write export: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempFile)
		return "", fmt.Errorf("failed to close file: %w", closeErr)
	}

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return "", fmt.Errorf("failed to rename temporary file: %w", err)
	}

	m.mu.Lock()
	m.exported[name] = true
	m.mu.Unlock()

	return filename, nil
}

// OutputDir returns the export directory
func (m *Manager) OutputDir() string {
	return m.outputDir
}

// Count returns the number of known exports
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.exported)
}
