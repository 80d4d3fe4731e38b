// Package mounts validates the host directories a room may expose to its sandbox.
package mounts

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/tidwall/jsonc"
)

// DefaultBlockedPatterns are path fragments that are never mountable,
// whatever the allowlist says.
var DefaultBlockedPatterns = []string{
	".ssh",
	".gnupg",
	".gpg",
	".aws",
	".azure",
	".gcloud",
	".kube",
	".docker",
	"credentials",
	".env",
	".netrc",
	".npmrc",
	".pypirc",
	"id_rsa",
	"id_ed25519",
	"private_key",
	".secret",
}

// AllowedRoot is a host directory under which extra mounts may live.
type AllowedRoot struct {
	Path           string `json:"path"`
	AllowReadWrite bool   `json:"allowReadWrite"`
	Description    string `json:"description,omitempty"`
}

// Allowlist is the operator-owned mount policy. It lives outside every
// sandbox-visible directory so an agent can never edit it.
type Allowlist struct {
	AllowedRoots    []AllowedRoot `json:"allowedRoots"`
	BlockedPatterns []string      `json:"blockedPatterns"`
	NonMainReadOnly bool          `json:"nonMainReadOnly"`
}

// LoadAllowlist reads an allowlist file. Comments and trailing commas are
// accepted. A missing file yields an error wrapping fs.ErrNotExist.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(resolveHome(path))
	if err != nil {
		return nil, fmt.Errorf("reading mount allowlist: %w", err)
	}
	return ParseAllowlist(data)
}

// ParseAllowlist decodes allowlist JSON and merges the default blocked patterns.
func ParseAllowlist(data []byte) (*Allowlist, error) {
	var a Allowlist
	if err := json.Unmarshal(jsonc.ToJSON(data), &a); err != nil {
		return nil, fmt.Errorf("parsing mount allowlist: %w", err)
	}
	for i, r := range a.AllowedRoots {
		if r.Path == "" {
			return nil, fmt.Errorf("mount allowlist: allowedRoots[%d].path is required", i)
		}
	}
	a.BlockedPatterns = mergePatterns(DefaultBlockedPatterns, a.BlockedPatterns)
	return &a, nil
}

func mergePatterns(base, extra []string) []string {
	out := slices.Clone(base)
	for _, p := range extra {
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// Template returns a commented starter allowlist.
func Template() []byte {
	return []byte(`// Mount allowlist. Keep this file outside any directory mounted into a sandbox.
{
  "allowedRoots": [
    {
      "path": "~/projects",
      "allowReadWrite": true,
      "description": "Development projects"
    },
    {
      "path": "~/repos",
      "allowReadWrite": true,
      "description": "Git repositories"
    },
    {
      "path": "~/Documents/work",
      "allowReadWrite": false,
      "description": "Work documents (read-only)"
    }
  ],
  // Added to the built-in list (.ssh, .aws, credentials, ...).
  "blockedPatterns": ["password", "secret", "token"],
  // Non-main rooms only ever get read-only extra mounts.
  "nonMainReadOnly": true
}
`)
}
