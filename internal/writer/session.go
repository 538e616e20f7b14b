package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SessionManager manages the per-run session directory under the
// destination's state directory: the log file, the config backup and the
// end-of-run report all live there.
type SessionManager struct {
	sessionDir string
	logger     *slog.Logger
}

// NewSessionManager creates a timestamped session directory under the
// destination's state directory, or reuses an existing one in resume mode.
func NewSessionManager(stateDir, resumeFromSession string, logger *slog.Logger) (*SessionManager, error) {
	sessionsDir := filepath.Join(stateDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	var sessionDir string
	if resumeFromSession != "" {
		sessionDir = filepath.Join(sessionsDir, resumeFromSession)
		if _, err := os.Stat(sessionDir); os.IsNotExist(err) {
			return nil, fmt.Errorf("session directory not found: %s", sessionDir)
		}
		logger.Info("Resuming existing session", "path", sessionDir)
	} else {
		timestamp := time.Now().Format("2006-01-02T15-04-05")
		sessionDir = filepath.Join(sessionsDir, "session_"+timestamp)
		if err := os.MkdirAll(sessionDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		logger.Info("Created session directory", "path", sessionDir)
	}

	return &SessionManager{sessionDir: sessionDir, logger: logger}, nil
}

// SessionDir returns the session directory path
func (sm *SessionManager) SessionDir() string {
	return sm.sessionDir
}

// Name returns the session directory's base name, usable with resume mode.
func (sm *SessionManager) Name() string {
	return filepath.Base(sm.sessionDir)
}

// LogPath returns the full path to the session log file
func (sm *SessionManager) LogPath() string {
	return filepath.Join(sm.sessionDir, "session.log")
}

// ReportPath returns the full path to the end-of-run report
func (sm *SessionManager) ReportPath() string {
	return filepath.Join(sm.sessionDir, "report.json")
}

// BackupConfig copies the config file into the session directory so a run
// can always be reproduced with the exact settings it used.
func (sm *SessionManager) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	backupPath := filepath.Join(sm.sessionDir, "config.toml.bak")
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}
	sm.logger.Debug("Backed up config", "path", backupPath)
	return nil
}

// WriteReport persists the end-of-run report atomically.
func (sm *SessionManager) WriteReport(report any) error {
	if err := WriteJSONAtomic(sm.ReportPath(), report); err != nil {
		return fmt.Errorf("failed to write session report: %w", err)
	}
	return nil
}
