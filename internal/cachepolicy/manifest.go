package cachepolicy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// LoadManifest reads the installed asset manifest: a JSON array of URLs in
// pre-population order.
func LoadManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return nil, fmt.Errorf("cachepolicy: manifest %s: %w", path, err)
	}
	return urls, nil
}

// VersionedGeneration derives a generation name from the manifest content,
// so a changed asset list produces a new generation.
func VersionedGeneration(base string, manifest []byte) string {
	if base == "" {
		base = "appshell"
	}
	sum := sha256.Sum256(manifest)
	return base + "-" + hex.EncodeToString(sum[:4])
}

// WatchManifest watches the manifest file and, on content change, installs a
// new cache generation and activates it (reclaiming the old one). Blocks
// until ctx is done.
func (e *Engine) WatchManifest(ctx context.Context, path, generationBase string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename, which drops a
	// watch set on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			e.reinstallFromManifest(ctx, path, generationBase)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logf("cachepolicy: manifest watch: %v", err)
		}
	}
}

func (e *Engine) reinstallFromManifest(ctx context.Context, path, generationBase string) {
	data, err := os.ReadFile(path)
	if err != nil {
		e.logf("cachepolicy: manifest reload %s: %v", path, err)
		return
	}
	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		e.logf("cachepolicy: manifest reload %s: %v", path, err)
		return
	}
	next := VersionedGeneration(generationBase, data)
	if strings.TrimSpace(next) == "" || next == e.Generation() {
		return
	}
	e.SetManifest(urls)
	e.SetGeneration(next)
	if err := e.Install(ctx); err != nil {
		e.logf("cachepolicy: reinstall %s: %v", next, err)
		return
	}
	if err := e.Activate(ctx); err != nil {
		e.logf("cachepolicy: activate %s: %v", next, err)
	}
	e.logf("cachepolicy: activated generation %s (%d assets)", next, len(urls))
}
