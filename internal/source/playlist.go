package source

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"sync"
)

// ErrEmptyPlaylist is returned when a playlist would contain no items.
var ErrEmptyPlaylist = errors.New("source: empty playlist")

// Playlist is a cyclic list of absolute file paths. The i-th call to Next
// (counting from zero) returns item i mod N.
type Playlist struct {
	mu    sync.Mutex
	items []string
	calls int
}

// NewPlaylist returns a playlist over paths in the given order. Relative
// paths are made absolute.
func NewPlaylist(paths []string) (*Playlist, error) {
	if len(paths) == 0 {
		return nil, ErrEmptyPlaylist
	}
	items := make([]string, len(paths))
	for i, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("source: playlist item %q: %w", p, err)
		}
		items[i] = abs
	}
	return &Playlist{items: items}, nil
}

// ScanPlaylist globs pattern inside dir, sorts the matches lexicographically
// and resolves each one to its absolute real path.
func ScanPlaylist(dir, pattern string) (*Playlist, error) {
	if pattern == "" {
		pattern = "*"
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("source: scan %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("source: scan %s for %q: %w", dir, pattern, ErrEmptyPlaylist)
	}
	// Order is decided by the names found in dir, not by link targets.
	slices.Sort(matches)
	items := make([]string, 0, len(matches))
	for _, m := range matches {
		real, err := filepath.EvalSymlinks(m)
		if err != nil {
			return nil, fmt.Errorf("source: resolve %s: %w", m, err)
		}
		abs, err := filepath.Abs(real)
		if err != nil {
			return nil, fmt.Errorf("source: resolve %s: %w", m, err)
		}
		items = append(items, abs)
	}
	return &Playlist{items: items}, nil
}

// Next advances the cursor and returns the item it points at.
func (p *Playlist) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	item := p.items[p.calls%len(p.items)]
	p.calls++
	return item
}

// Len returns the number of items.
func (p *Playlist) Len() int { return len(p.items) }

// Items returns a copy of the items in playback order.
func (p *Playlist) Items() []string { return slices.Clone(p.items) }

// FileURI turns an absolute path into a file:// URI.
func FileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
