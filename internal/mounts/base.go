package mounts

// Paths are the host directories that make up a room's private surface.
type Paths struct {
	RoomDir    string
	IPCDir     string
	StateDir   string
	GlobalDir  string
	ProjectDir string
}

// Base returns the bindings every invocation of a room receives.
// The main room sees the project checkout; other rooms see the shared
// global directory read-only.
func Base(p Paths, isMain bool) []Mount {
	var out []Mount
	if isMain && p.ProjectDir != "" {
		out = append(out, Mount{HostPath: p.ProjectDir, ContainerPath: WorkspaceRoot + "/project"})
	}
	out = append(out, Mount{HostPath: p.RoomDir, ContainerPath: WorkspaceRoot + "/group"})
	if !isMain && p.GlobalDir != "" {
		out = append(out, Mount{HostPath: p.GlobalDir, ContainerPath: WorkspaceRoot + "/global", ReadOnly: true})
	}
	out = append(out,
		Mount{HostPath: p.IPCDir, ContainerPath: WorkspaceRoot + "/ipc"},
		Mount{HostPath: p.StateDir, ContainerPath: "/home/agent/.state"},
	)
	return out
}
