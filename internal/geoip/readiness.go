package geoip

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// readinessTTL bounds how often Readiness re-stats the filesystem; config
// reads can be frequent and the answer rarely changes.
const readinessTTL = 5 * time.Second

// DefaultMMDBDir is used when no directory is configured and none of the
// conventional candidates exist.
const DefaultMMDBDir = "/app/data/geoip"

// Readiness is a short-TTL read-through cache over filesystem checks for
// the required MMDB files. Safe for concurrent use. It never errors: a
// missing directory simply reports every file missing.
type Readiness struct {
	mu      sync.Mutex
	now     func() time.Time // test hook
	dir     string
	checked time.Time
	missing []string
}

// NewReadiness returns a Readiness cache.
func NewReadiness() *Readiness {
	return &Readiness{now: time.Now}
}

// Missing returns the required files absent from dir, re-checking the
// filesystem only after the TTL expires or when dir differs from the
// cached one.
func (r *Readiness) Missing(dir string) []string {
	resolved, err := filepath.Abs(dir)
	if err != nil {
		resolved = dir
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.dir == resolved && now.Sub(r.checked) < readinessTTL {
		return append([]string(nil), r.missing...)
	}

	var missing []string
	for _, f := range RequiredFiles {
		if _, err := os.Stat(filepath.Join(resolved, f)); err != nil {
			missing = append(missing, f)
		}
	}

	r.dir = resolved
	r.checked = now
	r.missing = missing
	return append([]string(nil), missing...)
}

// Ready reports whether every required file is present in dir.
func (r *Readiness) Ready(dir string) bool {
	return len(r.Missing(dir)) == 0
}

// ResolveDir picks the MMDB directory: the env override first, then
// conventional locations relative to the working directory, then the
// default. The first existing candidate wins; a non-existing env
// override is still returned so the caller can report it as not ready.
func ResolveDir(envDir string) string {
	cwd, _ := os.Getwd()
	candidates := []string{}
	if envDir != "" {
		candidates = append(candidates, envDir)
	}
	candidates = append(candidates,
		filepath.Join(cwd, "geoip"),
		filepath.Join(cwd, "geo"),
		filepath.Join(cwd, "..", "geoip"),
		filepath.Join(cwd, "..", "geo"),
		filepath.Join(cwd, "..", "..", "geoip"),
		filepath.Join(cwd, "..", "..", "geo"),
		DefaultMMDBDir,
	)

	seen := map[string]struct{}{}
	for _, c := range candidates {
		abs, err := filepath.Abs(c)
		if err != nil {
			continue
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		if _, err := os.Stat(abs); err == nil {
			return abs
		}
	}

	if envDir != "" {
		abs, err := filepath.Abs(envDir)
		if err == nil {
			return abs
		}
		return envDir
	}
	return DefaultMMDBDir
}
