// Package workspace lays out the host directories kibanda owns.
//
//	<root>/
//	  kibanda.db             default SQLite store
//	  mount-allowlist.json   extra-mount policy (never mounted)
//	  rooms/<folder>/        room's writable folder, mounted as its workdir
//	  ipc/<folder>/          room's IPC namespace and snapshots
//	  ipc/errors/            dead-lettered requests
//	  state/<folder>/        private agent state (sessions, caches), 0700
//	  global/                shared context, read-only for non-main rooms
//
// The default root is ~/.kibanda; config or KIBANDA_WORKSPACE moves it.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/kibanda/internal/mounts"
)

const (
	defaultRelativePath = ".kibanda"

	roomsDir  = "rooms"
	ipcDir    = "ipc"
	stateDir  = "state"
	globalDir = "global"

	dirPerm        os.FileMode = 0o750
	restrictedPerm os.FileMode = 0o700
)

// Workspace resolves paths under one root. Accessors are pure; directories
// are created by EnsureAll and PrepareRoom.
type Workspace struct {
	Root string
}

// New returns a Workspace rooted at root, expanding ~ and creating the
// root itself.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}
	if err := os.MkdirAll(resolved, dirPerm); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Workspace{Root: resolved}, nil
}

// Default returns the Workspace at ~/.kibanda.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

func (w *Workspace) RoomsDir() string { return filepath.Join(w.Root, roomsDir) }
func (w *Workspace) IPCDir() string { return filepath.Join(w.Root, ipcDir) }
func (w *Workspace) StateDir() string { return filepath.Join(w.Root, stateDir) }
func (w *Workspace) GlobalDir() string { return filepath.Join(w.Root, globalDir) }

// DatabasePath returns the default SQLite file.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.Root, "kibanda.db")
}

// AllowlistPath returns the default mount allowlist location. It sits
// beside, not inside, every mounted directory.
func (w *Workspace) AllowlistPath() string {
	return filepath.Join(w.Root, "mount-allowlist.json")
}

func (w *Workspace) RoomDir(folder string) string {
	return filepath.Join(w.RoomsDir(), sanitizeName(folder))
}

func (w *Workspace) RoomIPCDir(folder string) string {
	return filepath.Join(w.IPCDir(), sanitizeName(folder))
}

func (w *Workspace) RoomStateDir(folder string) string {
	return filepath.Join(w.StateDir(), sanitizeName(folder))
}

// RoomPaths returns the host side of a room's base mounts without touching
// the filesystem.
func (w *Workspace) RoomPaths(folder, projectDir string) mounts.Paths {
	return mounts.Paths{
		RoomDir:    w.RoomDir(folder),
		IPCDir:     w.RoomIPCDir(folder),
		StateDir:   w.RoomStateDir(folder),
		GlobalDir:  w.GlobalDir(),
		ProjectDir: projectDir,
	}
}

// PrepareRoom creates the room's folder, IPC namespace and private state
// directory, then returns RoomPaths.
func (w *Workspace) PrepareRoom(folder, projectDir string) (mounts.Paths, error) {
	p := w.RoomPaths(folder, projectDir)
	for _, d := range []struct {
		path string
		perm os.FileMode
	}{
		{p.RoomDir, dirPerm},
		{p.IPCDir, dirPerm},
		{p.StateDir, restrictedPerm},
	} {
		if err := os.MkdirAll(d.path, d.perm); err != nil {
			return mounts.Paths{}, fmt.Errorf("preparing room %s: %w", folder, err)
		}
	}
	return p, nil
}

// EnsureAll creates the top-level layout and tightens the state directory
// to 0700 if an older install left it open.
func (w *Workspace) EnsureAll() error {
	for _, d := range []string{w.RoomsDir(), w.IPCDir(), w.GlobalDir()} {
		if err := os.MkdirAll(d, dirPerm); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	state := w.StateDir()
	if err := os.MkdirAll(state, restrictedPerm); err != nil {
		return fmt.Errorf("creating %s: %w", state, err)
	}
	if err := os.Chmod(state, restrictedPerm); err != nil {
		return fmt.Errorf("restricting %s: %w", state, err)
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName keeps a folder name inside its parent directory.
func sanitizeName(name string) string {
	name = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	if name == "" {
		name = "_"
	}
	return name
}
