package staticfileserver

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// OutcomeKind tags the single decision made for a request.
type OutcomeKind int

const (
	ServeFile OutcomeKind = iota
	ServeDirectoryIndex
	ServeDirectoryListing
	Redirect
	NotFound
	Forbidden
	MethodNotAllowed
	InternalError
)

func (k OutcomeKind) String() string {
	switch k {
	case ServeFile:
		return "ServeFile"
	case ServeDirectoryIndex:
		return "ServeDirectoryIndex"
	case ServeDirectoryListing:
		return "ServeDirectoryListing"
	case Redirect:
		return "Redirect"
	case NotFound:
		return "NotFound"
	case Forbidden:
		return "Forbidden"
	case MethodNotAllowed:
		return "MethodNotAllowed"
	case InternalError:
		return "InternalError"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// DirectoryEntry is one element of a directory listing.
type DirectoryEntry struct {
	Name  string
	IsDir bool
}

// DisplayName is the name with a trailing "/" for directories.
func (e DirectoryEntry) DisplayName() string {
	if e.IsDir {
		return e.Name + "/"
	}
	return e.Name
}

func (e DirectoryEntry) Hidden() bool {
	return strings.HasPrefix(e.Name, ".")
}

// Outcome is the result of resolving one request. Only the fields relevant to
// Kind are set.
type Outcome struct {
	Kind OutcomeKind
	Path ResolvedPath

	// File and Info describe the file to stream for ServeFile and ServeDirectoryIndex.
	File string
	Info os.FileInfo

	Location string
	Entries  []DirectoryEntry
	Err      error
}

// ContentResolver decides what a ResolvedPath should produce by looking at the
// filesystem.
type ContentResolver struct {
	indexFiles      []string
	listing         bool
	rootIndex       string
	statConcurrency int
}

func NewContentResolver(indexFiles []string, listing bool, rootIndex string, statConcurrency int) *ContentResolver {
	if statConcurrency <= 0 {
		statConcurrency = 1
	}
	return &ContentResolver{
		indexFiles:      indexFiles,
		listing:         listing,
		rootIndex:       rootIndex,
		statConcurrency: statConcurrency,
	}
}

// Resolve produces exactly one Outcome for p. Cancelling ctx abandons a listing
// in progress.
func (c *ContentResolver) Resolve(ctx context.Context, p ResolvedPath) Outcome {
	if p.Hidden {
		return Outcome{Kind: Forbidden, Path: p}
	}

	fi, err := os.Stat(p.FSPath)
	if err != nil {
		return Outcome{Kind: NotFound, Path: p}
	}

	if p.URLPath == "/" && c.rootIndex != "" {
		target := filepath.Join(p.FSPath, filepath.FromSlash(c.rootIndex))
		if ti, err := os.Stat(target); err == nil && ti.Mode().IsRegular() {
			return Outcome{Kind: Redirect, Path: p, Location: location(p.Mount+"/"+c.rootIndex, "")}
		}
	}

	if !fi.IsDir() {
		switch {
		case p.TrailingSlash():
			return Outcome{Kind: NotFound, Path: p}
		case !fi.Mode().IsRegular():
			return Outcome{Kind: Forbidden, Path: p}
		}
		return Outcome{Kind: ServeFile, Path: p, File: p.FSPath, Info: fi}
	}

	if !p.TrailingSlash() {
		return Outcome{Kind: Redirect, Path: p, Location: location(p.DisplayPath()+"/", p.RawQuery)}
	}

	for _, name := range c.indexFiles {
		candidate := filepath.Join(p.FSPath, name)
		if ii, err := os.Stat(candidate); err == nil && ii.Mode().IsRegular() {
			return Outcome{Kind: ServeDirectoryIndex, Path: p, File: candidate, Info: ii}
		}
	}

	if !c.listing {
		return Outcome{Kind: Forbidden, Path: p}
	}

	entries, err := c.readEntries(ctx, p.FSPath)
	if err != nil {
		return Outcome{Kind: InternalError, Path: p, Err: err}
	}
	return Outcome{Kind: ServeDirectoryListing, Path: p, Entries: entries}
}

// readEntries returns the entries of dir in read order, each stat'ed (following
// symlinks) concurrently. The first stat failure aborts the whole listing.
func (c *ContentResolver) readEntries(ctx context.Context, dir string) ([]DirectoryEntry, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory: %w", err)
	}
	defer f.Close()

	// File.ReadDir keeps the order the filesystem returns; os.ReadDir would sort.
	dirents, err := f.ReadDir(-1)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	entries := make([]DirectoryEntry, len(dirents))
	if len(dirents) == 0 {
		return entries, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.statConcurrency)
	for i, de := range dirents {
		i := i
		name := de.Name()
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fi, err := os.Stat(filepath.Join(dir, name))
			if err != nil {
				return fmt.Errorf("failed to stat directory entry %q: %w", name, err)
			}
			entries[i] = DirectoryEntry{Name: name, IsDir: fi.IsDir()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// location builds an escaped Location header value for a cleaned, absolute path.
func location(p, rawQuery string) string {
	u := url.URL{Path: p, RawQuery: rawQuery}
	return u.String()
}
