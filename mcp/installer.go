package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/skeinworks/skein/logging"
)

const gitScheme = "git+"

// cacheEntry records an installed provider so repeat starts skip the
// clone. Identity is the full source string: changing the repository
// URL invalidates the entry.
type cacheEntry struct {
	Source string `json:"source"`
	Path   string `json:"path"`
}

// Installer materializes remote provider sources into a local cache
// directory keyed by provider id. The clone command is injectable so
// tests exercise the cache discipline without git.
type Installer struct {
	root      string
	cachePath string
	logger    logging.Logger
	runGit    func(ctx context.Context, args ...string) error
}

// NewInstaller creates an installer rooted at dir; clones land in
// dir/installed/<id> and the manifest at dir/install_cache.json.
func NewInstaller(dir string, logger logging.Logger) *Installer {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Installer{
		root:      filepath.Join(dir, "installed"),
		cachePath: filepath.Join(dir, "install_cache.json"),
		logger:    logger,
		runGit: func(ctx context.Context, args ...string) error {
			cmd := exec.CommandContext(ctx, "git", args...)
			out, err := cmd.CombinedOutput()
			if err != nil {
				return fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, out)
			}
			return nil
		},
	}
}

// Ensure installs the provider's source if needed and returns the
// install directory ("" when the provider has no remote source). The
// operation is idempotent: a cache entry whose source matches and whose
// directory still exists short-circuits.
func (in *Installer) Ensure(ctx context.Context, cfg ServerConfig) (string, error) {
	if cfg.Source == "" {
		return "", nil
	}
	if !strings.HasPrefix(cfg.Source, gitScheme) {
		return "", fmt.Errorf("unsupported source scheme in %q", cfg.Source)
	}

	cache := in.readCache()
	dir := filepath.Join(in.root, cfg.ID)

	if entry, ok := cache[cfg.ID]; ok && entry.Source == cfg.Source {
		if _, err := os.Stat(dir); err == nil {
			in.logger.Debug("provider already installed", "provider", cfg.ID, "path", dir)
			return dir, nil
		}
	}

	repoURL := strings.TrimPrefix(cfg.Source, gitScheme)
	in.logger.Info("installing provider", "provider", cfg.ID, "repo", repoURL)

	if err := os.MkdirAll(in.root, 0o755); err != nil {
		return "", fmt.Errorf("create install root: %w", err)
	}
	// A stale or mismatched checkout is replaced wholesale.
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear stale install: %w", err)
	}

	if err := in.runGit(ctx, "clone", repoURL, dir); err != nil {
		return "", err
	}

	cache[cfg.ID] = cacheEntry{Source: cfg.Source, Path: dir}
	if err := in.writeCache(cache); err != nil {
		return "", err
	}

	in.logger.Info("provider installed", "provider", cfg.ID, "path", dir)
	return dir, nil
}

func (in *Installer) readCache() map[string]cacheEntry {
	cache := map[string]cacheEntry{}
	buf, err := os.ReadFile(in.cachePath)
	if err != nil {
		return cache
	}
	if err := json.Unmarshal(buf, &cache); err != nil {
		in.logger.Warn("install cache unreadable, rebuilding", "error", err.Error())
		return map[string]cacheEntry{}
	}
	return cache
}

func (in *Installer) writeCache(cache map[string]cacheEntry) error {
	buf, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("encode install cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(in.cachePath), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(in.cachePath, buf, 0o644); err != nil {
		return fmt.Errorf("write install cache: %w", err)
	}
	return nil
}
