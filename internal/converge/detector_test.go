package converge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(iter int, sha, sig string) Fingerprint {
	return Fingerprint{Iteration: iter, SHA: sha, ErrorSignature: sig}
}

func TestDetectNothingOnProgress(t *testing.T) {
	d := NewLoopDetector()
	d.Record(fp(1, "aaa", "error:tests:a.go"))
	d.Record(fp(2, "bbb", "error:tests:b.go"))
	d.Record(fp(3, "ccc", ""))

	_, ok := d.Detect()
	assert.False(t, ok)
}

func TestDetectExactRepeat(t *testing.T) {
	d := NewLoopDetector()
	d.Record(fp(1, "aaa", ""))
	d.Record(fp(2, "bbb", ""))
	d.Record(fp(3, "aaa", ""))

	det, ok := d.Detect()
	require.True(t, ok)
	assert.Equal(t, LoopExact, det.Kind)
	assert.InDelta(t, 2.0/3.0, det.Confidence, 1e-9)

	// A third repeat saturates confidence at 1.
	d.Record(fp(4, "ccc", ""))
	d.Record(fp(5, "aaa", ""))
	det, ok = d.Detect()
	require.True(t, ok)
	assert.InDelta(t, 1.0, det.Confidence, 1e-9)
}

func TestDetectSemanticRepeat(t *testing.T) {
	d := NewLoopDetector()
	sig := "error:build:main.go|error:tests:main_test.go"
	d.Record(fp(1, "aaa", sig))
	d.Record(fp(2, "bbb", sig))

	det, ok := d.Detect()
	require.True(t, ok)
	assert.Equal(t, LoopSemantic, det.Kind)
	assert.Contains(t, det.Reason, "seen 2 times")
}

func TestDetectOscillation(t *testing.T) {
	d := NewLoopDetector()
	d.Record(fp(1, "aaa", ""))
	d.Record(fp(2, "bbb", ""))
	d.Record(fp(3, "aaa", ""))
	d.Record(fp(4, "bbb", ""))

	det, ok := d.Detect()
	require.True(t, ok)
	assert.Equal(t, LoopOscillating, det.Kind, "oscillation outranks the exact repeats it contains")
	assert.InDelta(t, 0.9, det.Confidence, 1e-9)
}

func TestWindowEviction(t *testing.T) {
	d := NewLoopDetector()
	d.Record(fp(1, "repeat", ""))
	for i := 2; i <= fingerprintWindow+1; i++ {
		d.Record(fp(i, "", ""))
	}
	d.Record(fp(fingerprintWindow+2, "repeat", ""))

	_, ok := d.Detect()
	assert.False(t, ok, "the first occurrence fell out of the window")
}

func TestReset(t *testing.T) {
	d := NewLoopDetector()
	d.Record(fp(1, "aaa", ""))
	d.Record(fp(2, "aaa", ""))
	d.Reset()
	_, ok := d.Detect()
	assert.False(t, ok)
}

func TestHashWorkspaceFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "a.go"), []byte("package src"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("hello"), 0o644))

	hashes, err := HashWorkspaceFiles(root)
	require.NoError(t, err)
	assert.Len(t, hashes, 2)
	assert.Contains(t, hashes, "src/a.go")
	assert.Contains(t, hashes, "b.txt")
	assert.NotContains(t, hashes, ".git/HEAD")
	assert.NotEqual(t, hashes["src/a.go"], hashes["b.txt"])

	// Hashing is content-stable.
	again, err := HashWorkspaceFiles(root)
	require.NoError(t, err)
	assert.Equal(t, hashes, again)
}
