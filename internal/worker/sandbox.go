// Package worker runs task executions in bounded, sandboxed workers.
package worker

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/AGENTORCH/internal/types"
)

// SandboxLimits caps what one task execution may produce
type SandboxLimits struct {
	MaxFiles      int
	MaxTotalBytes int64
	MaxPathLength int
}

// Sandbox is the per-task writable root
type Sandbox struct {
	TaskID string
	Root   string
	Limits SandboxLimits
}

// NewSandbox creates the task's artifact root under baseRoot.
// Each task gets a distinct directory; nothing outside it is writable.
func NewSandbox(baseRoot, taskID string, limits SandboxLimits) (*Sandbox, error) {
	root := filepath.Join(baseRoot, taskID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, types.Wrap(types.ErrInternal, err, "failed to create sandbox root")
	}
	return &Sandbox{TaskID: taskID, Root: root, Limits: limits}, nil
}

// ResolvePath validates a manifest-relative path and returns its absolute
// location under the sandbox root. Absolute paths, parent escapes, and
// over-long paths are rejected.
func (s *Sandbox) ResolvePath(relative string) (string, error) {
	if relative == "" {
		return "", types.EField(types.ErrArtifactIntegrity, relative, "empty artifact path")
	}
	if filepath.IsAbs(relative) {
		return "", types.EField(types.ErrArtifactIntegrity, relative, "absolute artifact path rejected")
	}
	if s.Limits.MaxPathLength > 0 && len(relative) > s.Limits.MaxPathLength {
		return "", types.EField(types.ErrArtifactIntegrity, relative, "artifact path exceeds max length %d", s.Limits.MaxPathLength)
	}

	cleaned := filepath.Clean(relative)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", types.EField(types.ErrArtifactIntegrity, relative, "artifact path escapes sandbox root")
	}

	abs := filepath.Join(s.Root, cleaned)

	// A symlink inside the sandbox must not point outside it
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		rootResolved, rerr := filepath.EvalSymlinks(s.Root)
		if rerr == nil {
			rel, rerr2 := filepath.Rel(rootResolved, resolved)
			if rerr2 != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return "", types.EField(types.ErrArtifactIntegrity, relative, "artifact symlink escapes sandbox root")
			}
		}
	}

	return abs, nil
}

// Cleanup removes the sandbox root and everything under it
func (s *Sandbox) Cleanup() error {
	return os.RemoveAll(s.Root)
}
