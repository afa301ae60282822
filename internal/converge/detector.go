package converge

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// fingerprintWindow caps how many iterations the detector remembers.
const fingerprintWindow = 10

// Fingerprint identifies one iteration's output for loop detection.
type Fingerprint struct {
	Iteration      int
	SHA            string
	FileHashes     map[string]string
	ErrorSignature string
}

// LoopKind classifies a detected non-progress pattern.
type LoopKind string

const (
	LoopExact       LoopKind = "exact"
	LoopSemantic    LoopKind = "semantic"
	LoopOscillating LoopKind = "oscillating"
)

// Detection describes a suspected loop.
type Detection struct {
	Kind       LoopKind
	Confidence float64
	Reason     string
}

// LoopDetector watches a sliding window of iteration fingerprints for exact
// repeats, repeated error signatures, and two-state oscillation.
type LoopDetector struct {
	window []Fingerprint
}

func NewLoopDetector() *LoopDetector { return &LoopDetector{} }

// Reset clears the window for a new run.
func (d *LoopDetector) Reset() { d.window = nil }

// Record appends a fingerprint, evicting the oldest beyond the window cap.
func (d *LoopDetector) Record(fp Fingerprint) {
	d.window = append(d.window, fp)
	if len(d.window) > fingerprintWindow {
		d.window = d.window[len(d.window)-fingerprintWindow:]
	}
}

// Detect reports the strongest loop pattern in the current window, if any.
// Oscillation is checked first because it subsumes the weaker exact-repeat
// signal it necessarily produces.
func (d *LoopDetector) Detect() (Detection, bool) {
	if det, ok := d.detectOscillating(); ok {
		return det, true
	}
	if det, ok := d.detectExact(); ok {
		return det, true
	}
	return d.detectSemantic()
}

func (d *LoopDetector) detectExact() (Detection, bool) {
	counts := make(map[string]int)
	for _, fp := range d.window {
		if fp.SHA == "" {
			continue
		}
		counts[fp.SHA]++
	}
	for sha, count := range counts {
		if count >= 2 {
			confidence := float64(count) / 3.0
			if confidence > 1 {
				confidence = 1
			}
			return Detection{
				Kind:       LoopExact,
				Confidence: confidence,
				Reason:     fmt.Sprintf("snapshot %.12s produced %d times", sha, count),
			}, true
		}
	}
	return Detection{}, false
}

func (d *LoopDetector) detectSemantic() (Detection, bool) {
	counts := make(map[string]int)
	for _, fp := range d.window {
		if fp.ErrorSignature == "" {
			continue
		}
		counts[fp.ErrorSignature]++
	}
	for sig, count := range counts {
		if count >= 2 {
			confidence := float64(count) / 3.0
			if confidence > 1 {
				confidence = 1
			}
			return Detection{
				Kind:       LoopSemantic,
				Confidence: confidence,
				Reason:     fmt.Sprintf("error signature %q seen %d times", sig, count),
			}, true
		}
	}
	return Detection{}, false
}

// detectOscillating looks for an A-B-A-B pattern over the last four
// fingerprints.
func (d *LoopDetector) detectOscillating() (Detection, bool) {
	if len(d.window) < 4 {
		return Detection{}, false
	}
	last := d.window[len(d.window)-4:]
	a, b := last[0].SHA, last[1].SHA
	if a == "" || b == "" || a == b {
		return Detection{}, false
	}
	if last[2].SHA == a && last[3].SHA == b {
		return Detection{
			Kind:       LoopOscillating,
			Confidence: 0.9,
			Reason:     fmt.Sprintf("oscillating between %.12s and %.12s", a, b),
		}, true
	}
	return Detection{}, false
}

// HashWorkspaceFiles fingerprints every regular file under root, keyed by
// workspace-relative path. .git is skipped.
func HashWorkspaceFiles(root string) (map[string]string, error) {
	hashes := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum := blake3.Sum256(data)
		hashes[filepath.ToSlash(rel)] = fmt.Sprintf("%x", sum)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}
