package vm

import (
	"os"
	"path/filepath"

	"github.com/jbweber/crucible/internal/ident"
)

// SaveImagePath returns where the agent keeps the managed save image of
// the domain called name.
func SaveImagePath(stateDir, name string) string {
	return filepath.Join(stateDir, name+".save")
}

// SuspendFilesPresent reports whether a non-empty managed save image
// exists for id. It satisfies status.SuspendCheck; the home path is not
// used because the agent keeps save images in its own state directory.
func (m *Manager) SuspendFilesPresent(id ident.Identity, _ string) bool {
	name := m.Name(id)
	if name == "" || m.stateDir == "" {
		return false
	}
	info, err := os.Stat(SaveImagePath(m.stateDir, name))
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}
