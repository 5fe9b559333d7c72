package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Resolver prepares dependency environments for worker processes. Prepared
// environments are content-addressed by the sorted dependency list, so every
// version with the same dependencies shares one directory.
type Resolver struct {
	baseDir string
	// installer is the command run to populate an environment, invoked as
	// installer... --target <env> <dep>... Empty means deps-free mode where
	// only the directory is created (used in tests).
	installer []string

	group singleflight.Group
}

func NewResolver(baseDir string, installer []string) *Resolver {
	return &Resolver{baseDir: baseDir, installer: installer}
}

func envKey(deps []string) string {
	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}

// Prepare returns the environment directory for deps, installing it on
// first use. Concurrent calls for the same dependency set share one install.
func (r *Resolver) Prepare(ctx context.Context, deps []string) (string, error) {
	key := envKey(deps)
	envPath := filepath.Join(r.baseDir, key)

	out, err, _ := r.group.Do(key, func() (any, error) {
		marker := filepath.Join(envPath, ".ready")
		if _, err := os.Stat(marker); err == nil {
			return envPath, nil
		}

		if err := os.MkdirAll(envPath, 0o755); err != nil {
			return nil, fmt.Errorf("create env dir: %w", err)
		}
		if len(deps) > 0 && len(r.installer) > 0 {
			args := append(append([]string(nil), r.installer[1:]...), "--target", envPath)
			args = append(args, deps...)
			cmd := exec.CommandContext(ctx, r.installer[0], args...)
			if output, err := cmd.CombinedOutput(); err != nil {
				return nil, fmt.Errorf("install dependencies: %v: %s", err, output)
			}
		}
		if err := os.WriteFile(marker, nil, 0o644); err != nil {
			return nil, fmt.Errorf("mark env ready: %w", err)
		}
		return envPath, nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}
