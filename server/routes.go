package server

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

var ErrNoRoute = errors.New("no static route")

// RouteTable maps URL paths to absolute file paths. It is filled by Register
// before serving starts and only read afterwards.
type RouteTable struct {
	routes map[string]string
}

func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]string)}
}

// Register walks folder and adds every non-hidden regular file under the key
// "/<folder basename>/<relative path>". Hidden directories are skipped with
// their whole subtree. Existing keys are overwritten.
func (t *RouteTable) Register(folder string) error {
	root, err := filepath.Abs(folder)
	if err != nil {
		return fmt.Errorf("register %s: %w", folder, err)
	}
	base := filepath.Base(root)

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("register %s: %w", folder, err)
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		t.routes["/"+base+"/"+filepath.ToSlash(rel)] = path
		return nil
	})
}

func (t *RouteTable) IsStatic(path string) bool {
	_, ok := t.routes[path]
	return ok
}

func (t *RouteTable) Lookup(path string) (string, bool) {
	p, ok := t.routes[path]
	return p, ok
}

// Resolve returns the file behind path, or ErrNoRoute.
func (t *RouteTable) Resolve(path string) (string, error) {
	p, ok := t.routes[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoRoute, path)
	}
	return p, nil
}

func (t *RouteTable) Len() int { return len(t.routes) }

// Paths returns the registered URL paths in sorted order.
func (t *RouteTable) Paths() []string {
	out := make([]string, 0, len(t.routes))
	for k := range t.routes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
