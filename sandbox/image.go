package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// EnsureImage builds the sandbox image if it is missing or if the build
// context has changed since the last build. The content hash of the build
// context (Dockerfile plus support scripts) gates the rebuild; the last
// built hash is persisted so unchanged daemons skip the build entirely.
func (c *Controller) EnsureImage(ctx context.Context) error {
	hash, err := hashBuildContext(c.cfg.Sandbox.BuildContext)
	if err != nil {
		return fmt.Errorf("hash build context: %w", err)
	}

	exists, err := c.client.ImageExists(ctx, c.cfg.Sandbox.Image)
	if err != nil {
		return fmt.Errorf("check image: %w", err)
	}

	if exists && hash == c.lastBuiltHash() {
		c.log.WithField("image", c.cfg.Sandbox.Image).Debug("sandbox image up to date")
		return nil
	}

	c.log.WithFields(map[string]interface{}{
		"image": c.cfg.Sandbox.Image,
		"hash":  hash[:12],
	}).Info("building sandbox image")

	buildCtx, cancel := context.WithTimeout(ctx, imageBuildTimeout)
	defer cancel()

	dockerfile := filepath.Join(c.cfg.Sandbox.BuildContext, "Dockerfile")
	start := time.Now()
	if err := c.client.BuildImage(buildCtx, c.cfg.Sandbox.BuildContext, dockerfile, c.cfg.Sandbox.Image); err != nil {
		return fmt.Errorf("build sandbox image: %w", err)
	}

	if err := c.storeBuiltHash(hash); err != nil {
		c.log.WithError(err).Warn("failed to persist image hash, next start will rebuild")
	}

	c.log.WithField("duration", time.Since(start).Round(time.Second).String()).Info("sandbox image built")
	return nil
}

func (c *Controller) lastBuiltHash() string {
	data, err := os.ReadFile(c.cfg.ImageHashPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *Controller) storeBuiltHash(hash string) error {
	if err := os.MkdirAll(filepath.Dir(c.cfg.ImageHashPath()), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.cfg.ImageHashPath(), []byte(hash+"\n"), 0o644)
}

// hashBuildContext computes a deterministic sha256 over every regular file
// in the build context, keyed by relative path so renames count as changes.
func hashBuildContext(dir string) (string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	h := sha256.New()
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00", rel)

		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", err
		}
		f.Close()
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
