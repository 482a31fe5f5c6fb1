// Package registry maps local files to the configured server that owns them
// and to their destination path on that server.
package registry

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	ig "github.com/sabhiram/go-gitignore"

	"sftp-sync/internal/config"
)

var (
	ErrNoServerMatched = errors.New("no server matched")
	ErrPathOutsideRoot = errors.New("path outside server local_path")
	ErrUnknownServer   = errors.New("unknown server")
	ErrIgnored         = errors.New("file ignored")
)

type Registry struct {
	servers map[string]config.Server
	names   []string
	ignores map[string]*ig.GitIgnore

	mu       sync.RWMutex
	selected string
}

func New(servers map[string]config.Server) *Registry {
	r := &Registry{
		servers: make(map[string]config.Server, len(servers)),
		ignores: make(map[string]*ig.GitIgnore),
	}
	for name, s := range servers {
		s.Name = name
		r.servers[name] = s
		r.names = append(r.names, name)
		if len(s.Ignores) > 0 {
			r.ignores[name] = ig.CompileIgnoreLines(s.Ignores...)
		}
	}
	sort.Strings(r.names)
	return r
}

// Names returns the configured server names in resolution order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func (r *Registry) Server(name string) (config.Server, bool) {
	s, ok := r.servers[name]
	return s, ok
}

// Select overrides automatic resolution until Clear is called.
func (r *Registry) Select(name string) error {
	if _, ok := r.servers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	r.mu.Lock()
	r.selected = name
	r.mu.Unlock()
	return nil
}

func (r *Registry) Clear() {
	r.mu.Lock()
	r.selected = ""
	r.mu.Unlock()
}

func (r *Registry) Selected() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selected
}

// Resolve returns the selected server if any, otherwise the server with the
// longest local_path containing file. Equal roots fall back to name order.
func (r *Registry) Resolve(file string) (string, error) {
	if sel := r.Selected(); sel != "" {
		return sel, nil
	}

	file = filepath.Clean(file)
	best, bestLen := "", -1
	for _, name := range r.names {
		root := r.servers[name].LocalPath
		if !contains(root, file) {
			continue
		}
		if len(root) > bestLen {
			best, bestLen = name, len(root)
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: %s", ErrNoServerMatched, file)
	}
	return best, nil
}

// MapToRemote joins the path of file relative to the server's local_path onto
// its remote_path, always with forward slashes.
func (r *Registry) MapToRemote(file, name string) (string, error) {
	s, ok := r.servers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	rel, ok := relative(s.LocalPath, filepath.Clean(file))
	if !ok {
		return "", fmt.Errorf("%w: %s is not under %s", ErrPathOutsideRoot, file, s.LocalPath)
	}
	return path.Join(s.RemotePath, rel), nil
}

// Ignored reports whether file matches the server's ignore patterns.
func (r *Registry) Ignored(file, name string) bool {
	m, ok := r.ignores[name]
	if !ok {
		return false
	}
	rel, ok := relative(r.servers[name].LocalPath, filepath.Clean(file))
	if !ok {
		return false
	}
	return m.MatchesPath(rel)
}

// contains reports whether file equals root or lies beneath it on a path
// segment boundary, so /a/bc is not inside /a/b.
func contains(root, file string) bool {
	_, ok := relative(root, file)
	return ok
}

func relative(root, file string) (string, bool) {
	if root == "" {
		return "", false
	}
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
