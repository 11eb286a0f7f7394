package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"movesia-index/internal/config"
	"movesia-index/internal/logging"
)

// ProjectRootInfo is one candidate project root, with whatever identity
// hints could be read from its optional per-project override file.
type ProjectRootInfo struct {
	Root         string
	ProductGUID  string
	UnityVersion string
}

// RootLocator enumerates candidate project roots the Resolver can match
// a hello event against.
type RootLocator interface {
	Candidates() ([]ProjectRootInfo, error)
}

// projectOverride is the optional movesia.toml dropped at a project
// root. Its identity fields let the Resolver recognize a project before
// the editor has ever connected.
type projectOverride struct {
	ProductGUID  string `toml:"product_guid"`
	UnityVersion string `toml:"unity_version"`
}

// FSRootLocator reads candidate roots from the editor's installer-
// maintained recent-projects list plus any user-specified extra roots,
// caching the result until the recent-projects file changes on disk.
type FSRootLocator struct {
	recentProjectsPath string
	extraRoots         []string
	overrideFileName   string
	logger             logging.Logger

	mu          sync.RWMutex
	cache       []ProjectRootInfo
	cacheLoaded bool

	watcher *fsnotify.Watcher
}

// NewFSRootLocator constructs a locator from the session configuration
// and starts watching the recent-projects file for changes, if present.
func NewFSRootLocator(cfg config.SessionConfig, logger logging.Logger) *FSRootLocator {
	l := &FSRootLocator{
		recentProjectsPath: cfg.RecentProjectsPath,
		extraRoots:         cfg.ExtraRoots,
		overrideFileName:   cfg.ProjectOverrideFile,
		logger:             logger,
	}
	if l.overrideFileName == "" {
		l.overrideFileName = "movesia.toml"
	}
	if cfg.RecentProjectsPath != "" {
		if err := l.startWatch(); err != nil {
			logger.Warn("recent projects watch unavailable, falling back to per-call reads", "error", err.Error())
		}
	}
	return l
}

func (l *FSRootLocator) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	dir := filepath.Dir(l.recentProjectsPath)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	l.watcher = w
	go l.watchLoop()
	return nil
}

func (l *FSRootLocator) watchLoop() {
	target := filepath.Clean(l.recentProjectsPath)
	for {
		select {
		case evt, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) == target {
				l.invalidate()
			}
		case _, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (l *FSRootLocator) invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cacheLoaded = false
}

// Close stops the underlying filesystem watcher, if one was started.
func (l *FSRootLocator) Close() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}

// Candidates returns every known candidate root with whatever identity
// its movesia.toml carries. While the recent-projects file is watched,
// the result is cached until that file changes; without a watcher every
// call re-scans.
func (l *FSRootLocator) Candidates() ([]ProjectRootInfo, error) {
	l.mu.RLock()
	if l.cacheLoaded && l.watcher != nil {
		cached := l.cache
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	roots, err := readRecentProjects(l.recentProjectsPath)
	if err != nil {
		return nil, err
	}
	roots = dedupeStrings(append(roots, l.extraRoots...))

	out := make([]ProjectRootInfo, 0, len(roots))
	for _, root := range roots {
		info := ProjectRootInfo{Root: root}
		var override projectOverride
		if _, err := toml.DecodeFile(filepath.Join(root, l.overrideFileName), &override); err == nil {
			info.ProductGUID = override.ProductGUID
			info.UnityVersion = override.UnityVersion
		}
		out = append(out, info)
	}

	l.mu.Lock()
	l.cache = out
	l.cacheLoaded = true
	l.mu.Unlock()
	return out, nil
}

func readRecentProjects(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recent projects list %s: %w", path, err)
	}
	var doc struct {
		Projects []string `json:"projects"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse recent projects list %s: %w", path, err)
	}
	return doc.Projects, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
