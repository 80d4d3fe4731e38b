package mounts

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jkaninda/kibanda/internal/domain"
)

const (
	// WorkspaceRoot is the sandbox directory that holds every room binding.
	WorkspaceRoot = "/workspace"
	// ExtraRoot is where validated extra mounts appear inside the sandbox.
	ExtraRoot = "/workspace/extra"
)

// reservedPaths may never be bound into a sandbox, nor may anything below them.
var reservedPaths = []string{
	"/etc",
	"/proc",
	"/sys",
	"/dev",
	"/boot",
	"/run",
	"/var/run",
	"/usr",
	"/bin",
	"/sbin",
	"/lib",
	"/lib64",
	"/var/lib/docker",
}

// Mount is a resolved host → sandbox binding.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// RejectionError reports why a mount request was refused.
type RejectionError struct {
	Room     string
	HostPath string
	Reason   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("mount %q rejected for room %s: %s", e.HostPath, e.Room, e.Reason)
}

// Kind classifies the rejection for notices and metrics.
func (e *RejectionError) Kind() domain.ErrorKind { return domain.KindConfiguration }

// Validate checks a room's extra mount requests against the allowlist and
// returns the base mounts followed by the accepted extras. Any invalid request
// rejects the whole set. A nil allowlist rejects every extra mount.
// Validate has no side effects.
func Validate(room *domain.Room, base []Mount, requests []domain.MountRequest, allow *Allowlist) ([]Mount, error) {
	out := make([]Mount, 0, len(base)+len(requests))
	out = append(out, base...)
	if len(requests) == 0 {
		return out, nil
	}

	taken := make(map[string]bool, len(base)+len(requests))
	for _, m := range base {
		taken[path.Clean(m.ContainerPath)] = true
	}

	for _, req := range requests {
		m, err := validateOne(room, req, allow)
		if err != nil {
			return nil, err
		}
		if taken[m.ContainerPath] {
			return nil, reject(room, req.HostPath, fmt.Sprintf("mount point %s is already in use", m.ContainerPath))
		}
		taken[m.ContainerPath] = true
		out = append(out, m)
	}
	return out, nil
}

func validateOne(room *domain.Room, req domain.MountRequest, allow *Allowlist) (Mount, error) {
	if allow == nil {
		return Mount{}, reject(room, req.HostPath, "no mount allowlist configured")
	}
	if req.HostPath == "" {
		return Mount{}, reject(room, req.HostPath, "host path is required")
	}
	if hasTraversal(req.HostPath) {
		return Mount{}, reject(room, req.HostPath, "host path contains '..'")
	}

	hostPath := resolveHome(req.HostPath)
	if !filepath.IsAbs(hostPath) {
		return Mount{}, reject(room, req.HostPath, "host path must be absolute")
	}

	containerPath := req.ContainerPath
	if containerPath == "" {
		containerPath = filepath.Base(hostPath)
	}
	if reason := checkContainerPath(containerPath); reason != "" {
		return Mount{}, reject(room, req.HostPath, reason)
	}

	real, err := filepath.EvalSymlinks(hostPath)
	if err != nil {
		return Mount{}, reject(room, req.HostPath, "host path does not exist or cannot be resolved")
	}

	if r := reservedMatch(real); r != "" {
		return Mount{}, reject(room, req.HostPath, fmt.Sprintf("resolves to reserved system path %s", r))
	}
	if p := blockedMatch(real, allow.BlockedPatterns); p != "" {
		return Mount{}, reject(room, req.HostPath, fmt.Sprintf("matches blocked pattern %q", p))
	}

	root, ok := matchRoot(real, allow.AllowedRoots)
	if !ok {
		return Mount{}, reject(room, req.HostPath, "not under any allowed root")
	}
	if len(room.MountAllowlist) > 0 && !underAny(real, room.MountAllowlist) {
		return Mount{}, reject(room, req.HostPath, "not under any of the room's mount roots")
	}

	readOnly := true
	if req.ReadOnly != nil && !*req.ReadOnly && root.AllowReadWrite && (room.IsMain || !allow.NonMainReadOnly) {
		readOnly = false
	}

	return Mount{
		HostPath:      real,
		ContainerPath: path.Join(ExtraRoot, containerPath),
		ReadOnly:      readOnly,
	}, nil
}

func reject(room *domain.Room, hostPath, reason string) error {
	return &RejectionError{Room: room.Folder, HostPath: hostPath, Reason: reason}
}

func hasTraversal(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func checkContainerPath(p string) string {
	switch {
	case strings.TrimSpace(p) == "":
		return "container path is empty"
	case strings.HasPrefix(p, "/"):
		return "container path must be relative"
	case hasTraversal(p):
		return "container path contains '..'"
	case path.Clean(p) == ".":
		return "container path is empty"
	}
	return ""
}

// reservedMatch returns the reserved path real collides with, or "".
func reservedMatch(real string) string {
	if real == "/" {
		return "/"
	}
	for _, r := range reservedPaths {
		if within(r, real) || within(real, r) {
			return r
		}
	}
	if strings.HasSuffix(real, "docker.sock") {
		return real
	}
	return ""
}

func blockedMatch(real string, patterns []string) string {
	parts := strings.Split(real, string(filepath.Separator))
	for _, p := range patterns {
		for _, part := range parts {
			if part == p || strings.Contains(part, p) {
				return p
			}
		}
	}
	return ""
}

func matchRoot(real string, roots []AllowedRoot) (AllowedRoot, bool) {
	for _, r := range roots {
		rr, err := canonical(r.Path)
		if err != nil {
			continue
		}
		if within(rr, real) {
			return r, true
		}
	}
	return AllowedRoot{}, false
}

func underAny(real string, roots []string) bool {
	for _, r := range roots {
		rr, err := canonical(r)
		if err != nil {
			continue
		}
		if within(rr, real) {
			return true
		}
	}
	return false
}

func canonical(p string) (string, error) {
	abs, err := filepath.Abs(resolveHome(p))
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// within reports whether p equals root or lies below it.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func resolveHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
