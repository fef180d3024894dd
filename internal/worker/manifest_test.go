package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AGENTORCH/internal/types"
)

func testSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb, err := NewSandbox(t.TempDir(), "task-1", SandboxLimits{
		MaxFiles:      10,
		MaxTotalBytes: 1 << 20,
		MaxPathLength: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	return sb
}

func writeArtifact(t *testing.T, sb *Sandbox, rel, content string) {
	t.Helper()
	abs, err := sb.ResolvePath(rel)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestManifest_CaptureAndVerify(t *testing.T) {
	sb := testSandbox(t)
	writeArtifact(t, sb, "out/a.txt", "alpha")
	writeArtifact(t, sb, "out/b.txt", "bravo")

	manifest, err := CaptureManifest(sb)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if len(manifest.Files) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(manifest.Files))
	}
	if manifest.TotalSize != 10 {
		t.Errorf("Total size mismatch: %d", manifest.TotalSize)
	}
	for _, f := range manifest.Files {
		if f.SHA256 == "" || f.ByteSize == 0 {
			t.Errorf("Incomplete entry: %+v", f)
		}
		if strings.Contains(f.RelativePath, "\\") {
			t.Errorf("Manifest paths must use forward slashes: %s", f.RelativePath)
		}
	}

	if err := VerifyManifest(sb, manifest); err != nil {
		t.Errorf("Verification of untouched artifacts failed: %v", err)
	}
}

func TestManifest_TamperDetection(t *testing.T) {
	sb := testSandbox(t)
	writeArtifact(t, sb, "out/a.txt", "alpha")

	manifest, err := CaptureManifest(sb)
	if err != nil {
		t.Fatal(err)
	}

	// Same length, different bytes: digest check must catch it
	writeArtifact(t, sb, "out/a.txt", "ALPHA")
	err = VerifyManifest(sb, manifest)
	if types.KindOf(err) != types.ErrArtifactIntegrity {
		t.Errorf("Expected artifact_integrity, got %v", err)
	}
}

func TestManifest_SizeMismatch(t *testing.T) {
	sb := testSandbox(t)
	writeArtifact(t, sb, "a.txt", "alpha")

	manifest, _ := CaptureManifest(sb)
	writeArtifact(t, sb, "a.txt", "alpha and more")

	if types.KindOf(VerifyManifest(sb, manifest)) != types.ErrArtifactIntegrity {
		t.Error("Size mismatch should fail integrity")
	}
}

func TestManifest_MissingFile(t *testing.T) {
	sb := testSandbox(t)
	writeArtifact(t, sb, "a.txt", "alpha")

	manifest, _ := CaptureManifest(sb)
	os.Remove(filepath.Join(sb.Root, "a.txt"))

	if types.KindOf(VerifyManifest(sb, manifest)) != types.ErrArtifactIntegrity {
		t.Error("Missing file should fail integrity")
	}
}

func TestSandbox_PathRejection(t *testing.T) {
	sb := testSandbox(t)

	cases := []string{
		"/etc/passwd",
		"../outside.txt",
		"a/../../outside.txt",
		strings.Repeat("x", 200),
		"",
	}
	for _, rel := range cases {
		if _, err := sb.ResolvePath(rel); types.KindOf(err) != types.ErrArtifactIntegrity {
			t.Errorf("Path %q should be rejected with artifact_integrity, got %v", rel, err)
		}
	}

	if _, err := sb.ResolvePath("out/ok.txt"); err != nil {
		t.Errorf("Legitimate relative path rejected: %v", err)
	}
}

func TestManifest_FileCountLimit(t *testing.T) {
	sb, err := NewSandbox(t.TempDir(), "task-1", SandboxLimits{MaxFiles: 2})
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		writeArtifact(t, sb, name, "data")
	}

	if _, err := CaptureManifest(sb); types.KindOf(err) != types.ErrArtifactIntegrity {
		t.Errorf("Over-limit capture should fail, got %v", err)
	}
}
