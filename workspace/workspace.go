// Package workspace manages per-session scratch directories that hold the
// source file being executed.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Manager owns a tree of per-session scratch directories under Root.
// Each session gets exactly one directory, created lazily and removed on
// cleanup. Directories are never shared across sessions.
type Manager struct {
	Root string
	Log  *zap.SugaredLogger
}

// Path returns the directory a session would use, without creating it.
func (m *Manager) Path(sessionID string) string {
	return filepath.Join(m.Root, "ws-"+sessionID)
}

// Ensure creates the session's scratch directory if it does not exist and
// returns its path. Calling it again for the same session is a no-op.
func (m *Manager) Ensure(sessionID string) (string, error) {
	dir := m.Path(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace dir: %w", err)
	}
	return dir, nil
}

// WriteSource writes the submitted source text into the workspace,
// overwriting any previous file of the same name. The filename must be a
// bare name: anything containing a path separator or traversal sequence is
// rejected.
func (m *Manager) WriteSource(dir, filename, content string) (string, error) {
	if err := checkFilename(filename); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing source file: %w", err)
	}
	return path, nil
}

// Destroy removes the workspace directory and everything in it. A missing
// directory is success: the desired end state was already reached. Other
// removal errors are logged and swallowed for the same reason.
func (m *Manager) Destroy(dir string) {
	if dir == "" {
		return
	}
	err := os.RemoveAll(dir)
	if err != nil && m.Log != nil {
		m.Log.Debugf("removing workspace %s: %s", dir, err)
	}
}

func checkFilename(name string) error {
	if name == "" {
		return fmt.Errorf("empty filename")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid filename %q", name)
	}
	if name != filepath.Base(name) {
		return fmt.Errorf("invalid filename %q", name)
	}
	return nil
}
