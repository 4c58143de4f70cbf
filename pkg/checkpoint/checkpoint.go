package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"igoutreach/pkg/logger"
)

// Version of the checkpoint file format
const Version = 2

// State is the phase of the send loop
type State string

const (
	StateStarting    State = "starting"
	StateSending     State = "sending"
	StateSleeping    State = "sleeping"
	StatePaused      State = "paused"
	StateRateLimited State = "rate_limited"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Checkpoint is a snapshot of one tenant's send loop
type Checkpoint struct {
	Tenant        string    `json:"tenant"`
	State         State     `json:"state"`
	CurrentTarget string    `json:"current_target,omitempty"`
	NextActionAt  time.Time `json:"next_action_at,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Position      int       `json:"position"`
	Total         int       `json:"total"`
	Sent          int       `json:"sent"`
	Failed        int       `json:"failed"`
	Skipped       int       `json:"skipped"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Version       int       `json:"version"`
}

// Manager reads and writes one tenant's checkpoint file
type Manager struct {
	checkpointPath string
	logger         logger.Logger
}

// NewManager creates a manager in the platform data directory
func NewManager(tenant string) (*Manager, error) {
	dataDir, err := getDataDirectory()
	if err != nil {
		return nil, fmt.Errorf("failed to get data directory: %w", err)
	}
	return NewManagerAt(filepath.Join(dataDir, "checkpoints"), tenant)
}

// NewManagerAt creates a manager storing its file under dir
func NewManagerAt(dir, tenant string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints directory: %w", err)
	}
	return &Manager{
		checkpointPath: filepath.Join(dir, fmt.Sprintf("%s.checkpoint.json", tenant)),
		logger:         logger.GetLogger(),
	}, nil
}

// Path returns the checkpoint file location
func (m *Manager) Path() string {
	return m.checkpointPath
}

// Start writes a fresh checkpoint for a new run
func (m *Manager) Start(tenant string, total int) (*Checkpoint, error) {
	now := time.Now().UTC()
	cp := &Checkpoint{
		Tenant:    tenant,
		State:     StateStarting,
		Total:     total,
		PID:       os.Getpid(),
		StartedAt: now,
		Version:   Version,
	}
	if err := m.Save(cp); err != nil {
		return nil, fmt.Errorf("failed to save initial checkpoint: %w", err)
	}
	m.logger.InfoWithFields("Checkpoint created", map[string]interface{}{
		"tenant": tenant,
		"path":   m.checkpointPath,
	})
	return cp, nil
}

// Load returns the stored checkpoint, or nil when there is none
func (m *Manager) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Save writes cp atomically through a temporary file
func (m *Manager) Save(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()

	tempPath := m.checkpointPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cp); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}

	if err := os.Rename(tempPath, m.checkpointPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}

	m.logger.DebugWithFields("Checkpoint saved", map[string]interface{}{
		"tenant": cp.Tenant,
		"state":  string(cp.State),
		"target": cp.CurrentTarget,
	})
	return nil
}

// Delete removes the checkpoint file
func (m *Manager) Delete() error {
	if err := os.Remove(m.checkpointPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Exists checks if a checkpoint file exists
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.checkpointPath)
	return err == nil
}

// Stale reports whether the writing process has not touched the file for
// longer than maxAge.
func (cp *Checkpoint) Stale(now time.Time, maxAge time.Duration) bool {
	if cp.State == StateDone || cp.State == StateFailed {
		return false
	}
	// sleeping loops only write again when they wake
	horizon := cp.UpdatedAt.Add(maxAge)
	if cp.NextActionAt.After(horizon) {
		horizon = cp.NextActionAt.Add(maxAge)
	}
	return now.After(horizon)
}

// getDataDirectory returns the appropriate data directory for the current OS
func getDataDirectory() (string, error) {
	var dataDir string

	switch runtime.GOOS {
	case "linux":
		if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
			dataDir = filepath.Join(xdgDataHome, "igoutreach")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			dataDir = filepath.Join(home, ".local", "share", "igoutreach")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dataDir = filepath.Join(home, "Library", "Application Support", "igoutreach")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		dataDir = filepath.Join(appData, "igoutreach")
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}
