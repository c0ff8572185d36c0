package staticfileserver

import (
	"path"
	"path/filepath"
	"strings"
)

// ResolvedPath is the root-confined location a request maps to.
type ResolvedPath struct {
	// URLPath is the decoded, cleaned request path below the mount point.
	// It always starts with "/" and ends with "/" iff the request path did.
	URLPath string
	// FSPath is URLPath joined onto the document root.
	FSPath string
	// Mount is the route prefix the handler is mounted at, without its trailing "/".
	Mount    string
	RawQuery string
	// Hidden is set when the final segment of the decoded path begins with a dot.
	Hidden bool
}

// TrailingSlash reports whether the request named a directory explicitly.
func (p ResolvedPath) TrailingSlash() bool {
	return strings.HasSuffix(p.URLPath, "/")
}

// DisplayPath is the full request path, mount included, as shown in pages.
func (p ResolvedPath) DisplayPath() string {
	return p.Mount + p.URLPath
}

// PathResolver maps raw request paths onto a document root.
type PathResolver struct {
	root string
}

func NewPathResolver(documentRoot string) *PathResolver {
	return &PathResolver{root: filepath.Clean(documentRoot)}
}

// Resolve decodes rawPath, checks it for a hidden final segment and confines it to
// the document root, in that order. It never fails: malformed escapes are kept
// literally and ".." segments cannot climb above the root.
func (r *PathResolver) Resolve(rawPath, rawQuery string) ResolvedPath {
	p := rawPath
	if strings.HasPrefix(p, "//") {
		p = p[1:]
	}
	decoded := percentDecode(p)

	cleaned := path.Clean("/" + decoded)
	if strings.HasSuffix(decoded, "/") && cleaned != "/" {
		cleaned += "/"
	}

	return ResolvedPath{
		URLPath:  cleaned,
		FSPath:   filepath.Join(r.root, filepath.FromSlash(cleaned)),
		RawQuery: rawQuery,
		Hidden:   hasHiddenFinalSegment(decoded),
	}
}

// hasHiddenFinalSegment looks at the last non-empty segment, so "/.git/" and
// "/a/.." are both hidden.
func hasHiddenFinalSegment(p string) bool {
	segment := path.Base("/" + strings.TrimRight(p, "/"))
	return strings.HasPrefix(segment, ".")
}

// percentDecode unescapes %XX sequences. Unlike url.PathUnescape it keeps
// malformed sequences as they are instead of rejecting the whole path.
func percentDecode(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
