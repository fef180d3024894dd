package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/AGENTORCH/internal/types"
)

// CaptureManifest walks the sandbox root and builds the artifact manifest.
// Every regular file under the root is listed with its size and SHA-256.
// Limits are enforced at capture time.
func CaptureManifest(sb *Sandbox) (*types.ArtifactManifest, error) {
	manifest := &types.ArtifactManifest{
		TaskID:    sb.TaskID,
		CreatedAt: time.Now(),
	}

	err := filepath.WalkDir(sb.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(sb.Root, path)
		if err != nil {
			return err
		}
		if sb.Limits.MaxPathLength > 0 && len(rel) > sb.Limits.MaxPathLength {
			return types.EField(types.ErrArtifactIntegrity, rel, "artifact path exceeds max length %d", sb.Limits.MaxPathLength)
		}

		digest, err := hashFile(path)
		if err != nil {
			return err
		}

		manifest.Files = append(manifest.Files, types.ArtifactFile{
			RelativePath: filepath.ToSlash(rel),
			ByteSize:     info.Size(),
			SHA256:       digest,
			CreatedAt:    info.ModTime(),
		})
		manifest.TotalSize += info.Size()

		if sb.Limits.MaxFiles > 0 && len(manifest.Files) > sb.Limits.MaxFiles {
			return types.EField(types.ErrArtifactIntegrity, rel, "artifact count exceeds max %d", sb.Limits.MaxFiles)
		}
		if sb.Limits.MaxTotalBytes > 0 && manifest.TotalSize > sb.Limits.MaxTotalBytes {
			return types.EField(types.ErrArtifactIntegrity, rel, "artifact bytes exceed max %d", sb.Limits.MaxTotalBytes)
		}
		return nil
	})
	if err != nil {
		if types.KindOf(err) == types.ErrArtifactIntegrity {
			return nil, err
		}
		return nil, types.Wrap(types.ErrInternal, err, "manifest capture failed")
	}

	return manifest, nil
}

// VerifyManifest recomputes every entry against the files on disk.
// Any path, size, or digest mismatch fails with artifact_integrity.
func VerifyManifest(sb *Sandbox, manifest *types.ArtifactManifest) error {
	if manifest == nil {
		return types.E(types.ErrArtifactIntegrity, "missing manifest")
	}
	for _, f := range manifest.Files {
		abs, err := sb.ResolvePath(filepath.FromSlash(f.RelativePath))
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return types.EField(types.ErrArtifactIntegrity, f.RelativePath, "listed artifact missing on disk")
		}
		if info.Size() != f.ByteSize {
			return types.EField(types.ErrArtifactIntegrity, f.RelativePath, "size mismatch: manifest %d, disk %d", f.ByteSize, info.Size())
		}
		digest, err := hashFile(abs)
		if err != nil {
			return types.Wrap(types.ErrInternal, err, "failed to hash artifact")
		}
		if digest != f.SHA256 {
			return types.EField(types.ErrArtifactIntegrity, f.RelativePath, "digest mismatch")
		}
	}
	return nil
}

// hashFile returns the hex SHA-256 of a file's contents
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
