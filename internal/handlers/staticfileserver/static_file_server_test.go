package staticfileserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/staticservlet/internal/config"
	"example.com/staticservlet/internal/logger"
	"example.com/staticservlet/internal/router"
	"example.com/staticservlet/internal/server"
)

// setupDocumentRoot creates a document root populated with the given files.
// Names ending in "/" create directories.
func setupDocumentRoot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if strings.HasSuffix(name, "/") {
			require.NoError(t, os.MkdirAll(p, 0o755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func newTestHandler(t *testing.T, root string, mutate func(*config.StaticFileServerConfig)) *StaticFileServer {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"document_root": root})
	require.NoError(t, err)
	cfg, err := config.ParseAndValidateStaticFileServerConfig(raw, "")
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}
	sfs, err := New(cfg, logger.NewDiscardLogger())
	require.NoError(t, err)
	return sfs
}

func doRequest(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

// readOrder returns the names in dir as the filesystem hands them out.
func readOrder(t *testing.T, dir string) []string {
	t.Helper()
	f, err := os.Open(dir)
	require.NoError(t, err)
	defer f.Close()
	des, err := f.ReadDir(-1)
	require.NoError(t, err)
	names := make([]string, 0, len(des))
	for _, de := range des {
		names = append(names, de.Name())
	}
	return names
}

func listingLinks(t *testing.T, body string) (texts, hrefs []string) {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	require.NoError(t, err)
	doc.Find("ol > li > a").Each(func(_ int, s *goquery.Selection) {
		texts = append(texts, s.Text())
		href, _ := s.Attr("href")
		hrefs = append(hrefs, href)
	})
	return texts, hrefs
}

func TestServeHTTP_HiddenIsForbidden(t *testing.T) {
	root := setupDocumentRoot(t, map[string]string{
		".env":         "SECRET=1",
		".git/config":  "[core]",
		"pub/.hidden":  "x",
		"pub/file.txt": "ok",
	})
	h := newTestHandler(t, root, nil)

	paths := []string{"/.env", "/.git/", "/.git", "/pub/.hidden", "/.does-not-exist", "/pub/.nope/", "/%2Eenv", "/pub/.."}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			rec := doRequest(h, http.MethodGet, p)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, server.ContentTypeHTML, rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), "You do not have permission to access")
		})
	}
}

func TestServeHTTP_FileContentTypes(t *testing.T) {
	files := map[string]string{
		"a.txt": "text", "b.html": "<p>hi</p>", "c.css": "p{}", "d.xml": "<x/>", "e.json": "{}",
		"f.js": "1", "g.jpg": "jpg", "h.jpeg": "jpeg", "i.gif": "gif", "j.png": "png", "k.svg": "<svg/>",
		"l.unknown": "?", "noext": "n", "UPPER.HTML": "<p>up</p>",
	}
	want := map[string]string{
		"a.txt": "text/plain", "b.html": "text/html", "c.css": "text/css", "d.xml": "application/xml",
		"e.json": "application/json", "f.js": "application/javascript", "g.jpg": "image/jpeg",
		"h.jpeg": "image/jpeg", "i.gif": "image/gif", "j.png": "image/png", "k.svg": "image/svg+xml",
		"l.unknown": "text/plain", "noext": "text/plain", "UPPER.HTML": "text/plain",
	}
	h := newTestHandler(t, setupDocumentRoot(t, files), nil)

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			rec := doRequest(h, http.MethodGet, "/"+name)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, want[name], rec.Header().Get("Content-Type"))
			assert.Equal(t, strconv.Itoa(len(content)), rec.Header().Get("Content-Length"))
			assert.Equal(t, content, rec.Body.String())
		})
	}
}

func TestServeHTTP_PostBehavesLikeGet(t *testing.T) {
	h := newTestHandler(t, setupDocumentRoot(t, map[string]string{"a.txt": "same"}), nil)
	get := doRequest(h, http.MethodGet, "/a.txt")
	post := doRequest(h, http.MethodPost, "/a.txt")
	assert.Equal(t, get.Code, post.Code)
	assert.Equal(t, get.Header(), post.Header())
	assert.Equal(t, get.Body.String(), post.Body.String())
}

func TestServeHTTP_LargeFileStreamsCompletely(t *testing.T) {
	content := strings.Repeat("0123456789abcdef", 10*streamChunkSize/16+7)
	h := newTestHandler(t, setupDocumentRoot(t, map[string]string{"big.txt": content}), nil)

	rec := doRequest(h, http.MethodGet, "/big.txt")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, len(content), rec.Body.Len())
	assert.Equal(t, content, rec.Body.String())
}

// chunkWriter records each Write and fails every Write after failAfter.
type chunkWriter struct {
	header    http.Header
	status    int
	writes    []int
	failAfter int
}

func (w *chunkWriter) Header() http.Header { return w.header }

func (w *chunkWriter) WriteHeader(status int) { w.status = status }

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, len(p))
	if len(w.writes) > w.failAfter {
		return 0, errors.New("connection reset by peer")
	}
	return len(p), nil
}

func TestServeHTTP_StreamStopsOnCancelledRequest(t *testing.T) {
	content := strings.Repeat("x", 4*streamChunkSize+11)
	h := newTestHandler(t, setupDocumentRoot(t, map[string]string{"big.bin": content}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/big.bin", nil).WithContext(ctx)
	w := &chunkWriter{header: http.Header{}, failAfter: 100}
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.status)
	assert.Equal(t, strconv.Itoa(len(content)), w.header.Get("Content-Length"))
	assert.LessOrEqual(t, len(w.writes), 1)
	for _, n := range w.writes {
		assert.LessOrEqual(t, n, streamChunkSize)
	}
}

func TestServeHTTP_StreamStopsOnWriteError(t *testing.T) {
	content := strings.Repeat("y", 4*streamChunkSize+11)
	h := newTestHandler(t, setupDocumentRoot(t, map[string]string{"big.bin": content}), nil)

	w := &chunkWriter{header: http.Header{}, failAfter: 1}
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/big.bin", nil))

	assert.Equal(t, http.StatusOK, w.status)
	// One successful chunk, one failed chunk, then nothing more.
	assert.Equal(t, []int{streamChunkSize, streamChunkSize}, w.writes)
}

func TestServeHTTP_NotFound(t *testing.T) {
	h := newTestHandler(t, setupDocumentRoot(t, map[string]string{"a.txt": "a"}), nil)

	for _, p := range []string{"/missing.txt", "/no/such/dir/", "/a.txt/", "/../../../../etc/passwd", "/%2e%2e/%2e%2e/etc/hostname"} {
		t.Run(p, func(t *testing.T) {
			rec := doRequest(h, http.MethodGet, p)
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Contains(t, rec.Body.String(), "was not found on this server.")
		})
	}
}

func TestServeHTTP_DirectoryRedirect(t *testing.T) {
	h := newTestHandler(t, setupDocumentRoot(t, map[string]string{"docs/a.txt": "a", "with space/": ""}), nil)

	tests := []struct {
		target   string
		location string
	}{
		{"/docs", "/docs/"},
		{"/docs?x=1&y=two", "/docs/?x=1&y=two"},
		{"//docs", "/docs/"},
		{"/with%20space", "/with%20space/"},
	}
	for _, tc := range tests {
		t.Run(tc.target, func(t *testing.T) {
			rec := doRequest(h, http.MethodGet, tc.target)
			assert.Equal(t, http.StatusMovedPermanently, rec.Code)
			assert.Equal(t, tc.location, rec.Header().Get("Location"))
			assert.Equal(t, server.ContentTypeHTML, rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), `<a href="`+server.EscapeHTML(tc.location)+`">here</a>`)
		})
	}
}

func TestServeHTTP_DirectoryIndex(t *testing.T) {
	root := setupDocumentRoot(t, map[string]string{
		"site/index.html":      "<h1>home</h1>",
		"site/other.txt":       "x",
		"custom/default.htm":   "custom",
		"dirindex/index.html/": "",
	})

	h := newTestHandler(t, root, nil)
	rec := doRequest(h, http.MethodGet, "/site/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	assert.Equal(t, "<h1>home</h1>", rec.Body.String())

	direct := doRequest(h, http.MethodGet, "/site/index.html")
	assert.Equal(t, rec.Body.String(), direct.Body.String())
	assert.Equal(t, rec.Header().Get("Content-Type"), direct.Header().Get("Content-Type"))

	// A directory named index.html is not an index file.
	rec = doRequest(h, http.MethodGet, "/dirindex/")
	assert.Equal(t, http.StatusOK, rec.Code)
	texts, _ := listingLinks(t, rec.Body.String())
	assert.Equal(t, []string{"index.html/"}, texts)

	custom := newTestHandler(t, root, func(c *config.StaticFileServerConfig) {
		c.IndexFiles = []string{"index.html", "default.htm"}
	})
	rec = doRequest(custom, http.MethodGet, "/custom/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "custom", rec.Body.String())
	assert.Equal(t, DefaultMimeType, rec.Header().Get("Content-Type"))
}

func TestServeHTTP_DirectoryListing(t *testing.T) {
	root := setupDocumentRoot(t, map[string]string{
		"list/b.txt":         "b",
		"list/a.txt":         "a",
		"list/zeta/":         "",
		"list/alpha/x":       "x",
		"list/.hidden":       "h",
		"list/.hiddendir/":   "",
		"list/with space.md": "s",
	})
	h := newTestHandler(t, root, nil)

	rec := doRequest(h, http.MethodGet, "/list/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, server.ContentTypeHTML, rec.Header().Get("Content-Type"))

	var want []string
	for _, name := range readOrder(t, filepath.Join(root, "list")) {
		if strings.HasPrefix(name, ".") {
			continue
		}
		fi, err := os.Stat(filepath.Join(root, "list", name))
		require.NoError(t, err)
		if fi.IsDir() {
			name += "/"
		}
		want = append(want, name)
	}

	texts, hrefs := listingLinks(t, rec.Body.String())
	assert.Equal(t, want, texts)
	assert.Equal(t, want, hrefs)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt", "zeta/", "alpha/", "with space.md"}, texts)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rec.Body.String()))
	require.NoError(t, err)
	assert.Equal(t, "/list/", doc.Find("title").Text())
	assert.Equal(t, "Directory: /list/", doc.Find("h1").Text())
	assert.True(t, strings.HasPrefix(rec.Body.String(), "<!doctype html>\n<title>/list/</title>\n<style>"))
}

func TestServeHTTP_EmptyDirectoryListing(t *testing.T) {
	h := newTestHandler(t, setupDocumentRoot(t, map[string]string{"empty/": ""}), nil)

	rec := doRequest(h, http.MethodGet, "/empty/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasSuffix(rec.Body.String(), "<h1>Directory: /empty/</h1><ol></ol>"), rec.Body.String())
	texts, _ := listingLinks(t, rec.Body.String())
	assert.Empty(t, texts)
}

func TestServeHTTP_ListingEscapesNames(t *testing.T) {
	h := newTestHandler(t, setupDocumentRoot(t, map[string]string{
		"esc/a\"b<c>.txt": "x",
		"esc/it's&more":   "y",
	}), nil)

	rec := doRequest(h, http.MethodGet, "/esc/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `<li><a href="a&quot;b&lt;c&gt;.txt">a&quot;b&lt;c&gt;.txt</a></li>`)
	assert.Contains(t, body, `<li><a href="it&#39;s&amp;more">it&#39;s&amp;more</a></li>`)
	assert.NotContains(t, body, "<c>")
}

func TestServeHTTP_ErrorPagesEscapePath(t *testing.T) {
	h := newTestHandler(t, setupDocumentRoot(t, nil), nil)

	rec := doRequest(h, http.MethodGet, `/%3Cscript%3Ealert(%22x%22)%3C/script%3E`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), "<script>")
	assert.Contains(t, rec.Body.String(), "&lt;script&gt;alert(&quot;x&quot;)&lt;/script&gt;")
}

func TestServeHTTP_ListingDisabled(t *testing.T) {
	root := setupDocumentRoot(t, map[string]string{"d/a.txt": "a", "i/index.html": "i"})
	h := newTestHandler(t, root, func(c *config.StaticFileServerConfig) {
		off := false
		c.ServeDirectoryListing = &off
	})

	assert.Equal(t, http.StatusForbidden, doRequest(h, http.MethodGet, "/d/").Code)
	assert.Equal(t, http.StatusOK, doRequest(h, http.MethodGet, "/i/").Code)
	assert.Equal(t, http.StatusOK, doRequest(h, http.MethodGet, "/d/a.txt").Code)
}

func TestServeHTTP_ListingStatFailure(t *testing.T) {
	root := setupDocumentRoot(t, map[string]string{"broken/ok.txt": "ok"})
	require.NoError(t, os.Symlink(filepath.Join(root, "nowhere"), filepath.Join(root, "broken", "dangling")))
	h := newTestHandler(t, root, nil)

	rec := doRequest(h, http.MethodGet, "/broken/")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, server.ContentTypeHTML, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<h1>Internal Server Error</h1>")
	assert.Contains(t, rec.Body.String(), "failed to stat directory entry &quot;dangling&quot;")
	assert.NotContains(t, rec.Body.String(), "<ol>")
}

func TestServeHTTP_SymlinkedDirectoryIsMarked(t *testing.T) {
	root := setupDocumentRoot(t, map[string]string{"real/x.txt": "x", "links/file.txt": "f"})
	require.NoError(t, os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "links", "todir")))
	h := newTestHandler(t, root, nil)

	rec := doRequest(h, http.MethodGet, "/links/")
	require.Equal(t, http.StatusOK, rec.Code)
	texts, _ := listingLinks(t, rec.Body.String())
	assert.ElementsMatch(t, []string{"file.txt", "todir/"}, texts)
}

func TestServeHTTP_RootIndexRedirect(t *testing.T) {
	root := setupDocumentRoot(t, map[string]string{"public/index.html": "<p>public</p>", "other.txt": "o"})
	h := newTestHandler(t, root, nil)

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		t.Run(method, func(t *testing.T) {
			rec := doRequest(h, method, "/")
			assert.Equal(t, http.StatusMovedPermanently, rec.Code)
			assert.Equal(t, "/public/index.html", rec.Header().Get("Location"))
			if method == http.MethodHead {
				assert.Empty(t, rec.Body.String())
			}
		})
	}

	// Only the root is redirected.
	assert.Equal(t, http.StatusOK, doRequest(h, http.MethodGet, "/public/").Code)

	disabled := newTestHandler(t, root, func(c *config.StaticFileServerConfig) {
		empty := ""
		c.RootIndex = &empty
	})
	rec := doRequest(disabled, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	texts, _ := listingLinks(t, rec.Body.String())
	assert.ElementsMatch(t, []string{"public/", "other.txt"}, texts)
}

func TestServeHTTP_RootWithoutPublicIndex(t *testing.T) {
	h := newTestHandler(t, setupDocumentRoot(t, map[string]string{"index.html": "root index"}), nil)
	rec := doRequest(h, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "root index", rec.Body.String())
}

func TestServeHTTP_HeadNeverHasBody(t *testing.T) {
	root := setupDocumentRoot(t, map[string]string{
		"a.txt":            "some text",
		"dir/index.html":   "<p>index</p>",
		"list/x.txt":       "x",
		".secret":          "s",
		"broken/ok.txt":    "ok",
		"public/index.htm": "not the root index",
	})
	require.NoError(t, os.Symlink(filepath.Join(root, "nowhere"), filepath.Join(root, "broken", "dangling")))
	h := newTestHandler(t, root, nil)

	targets := []string{"/a.txt", "/dir/", "/dir", "/list/", "/.secret", "/missing", "/broken/", "/"}
	for _, target := range targets {
		t.Run(target, func(t *testing.T) {
			get := doRequest(h, http.MethodGet, target)
			head := doRequest(h, http.MethodHead, target)
			assert.Equal(t, get.Code, head.Code)
			assert.Equal(t, get.Header().Get("Content-Type"), head.Header().Get("Content-Type"))
			assert.Equal(t, get.Header().Get("Content-Length"), head.Header().Get("Content-Length"))
			assert.Equal(t, get.Header().Get("Location"), head.Header().Get("Location"))
			assert.Empty(t, head.Body.String())
			assert.NotEmpty(t, get.Body.String())
		})
	}
}

func TestServeHTTP_UnsupportedMethod(t *testing.T) {
	// The document root does not exist: a 501 must not depend on the filesystem.
	h := newTestHandler(t, filepath.Join(t.TempDir(), "absent"), nil)

	for _, method := range []string{http.MethodDelete, http.MethodPut, http.MethodPatch, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/.hidden/anything", nil)
			assert.Equal(t, MethodNotAllowed, h.Outcome(req).Kind)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusNotImplemented, rec.Code)
			assert.Empty(t, rec.Body.String())
			assert.Empty(t, rec.Header().Get("Content-Type"))
		})
	}
}

func TestServeHTTP_MountedPrefix(t *testing.T) {
	root := setupDocumentRoot(t, map[string]string{"img/logo.png": "png", "img/sub/": "", "public/index.html": "p"})
	h := newTestHandler(t, root, nil)

	mounted := func(method, target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, nil)
		req = req.WithContext(router.WithMatchedRoute(req.Context(), "/static/", config.MatchTypePrefix))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := mounted(http.MethodGet, "/static/img/logo.png")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = mounted(http.MethodGet, "/static/img?v=2")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/static/img/?v=2", rec.Header().Get("Location"))

	rec = mounted(http.MethodGet, "/static/img/")
	assert.Equal(t, http.StatusOK, rec.Code)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rec.Body.String()))
	require.NoError(t, err)
	assert.Equal(t, "/static/img/", doc.Find("title").Text())

	rec = mounted(http.MethodGet, "/static/")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/static/public/index.html", rec.Header().Get("Location"))

	rec = mounted(http.MethodGet, "/static/nothing.txt")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "The requested URL /static/nothing.txt was not found")
}

func TestServeHTTP_ThroughRouter(t *testing.T) {
	root := setupDocumentRoot(t, map[string]string{"assets/app.js": "js", "home.html": "<p>home</p>"})
	handlerCfg, err := json.Marshal(map[string]string{"document_root": filepath.Join(root, "assets")})
	require.NoError(t, err)
	siteCfg, err := json.Marshal(map[string]string{"document_root": root})
	require.NoError(t, err)

	reg := server.NewHandlerRegistry()
	require.NoError(t, reg.Register(config.StaticFileServerHandlerType, Factory("")))
	rt, err := router.NewRouter([]config.Route{
		{PathPattern: "/", MatchType: config.MatchTypePrefix, HandlerType: config.StaticFileServerHandlerType, HandlerConfig: siteCfg},
		{PathPattern: "/assets-v2/", MatchType: config.MatchTypePrefix, HandlerType: config.StaticFileServerHandlerType, HandlerConfig: handlerCfg},
	}, reg, logger.NewDiscardLogger())
	require.NoError(t, err)

	rec := doRequest(rt, http.MethodGet, "/assets-v2/app.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	assert.Equal(t, "js", rec.Body.String())

	rec = doRequest(rt, http.MethodGet, "/home.html")
	assert.Equal(t, "<p>home</p>", rec.Body.String())

	rec = doRequest(rt, http.MethodDelete, "/home.html")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestServeHTTP_ExactRouteIsNotMounted(t *testing.T) {
	root := setupDocumentRoot(t, map[string]string{"index.html": "ROOT", "docs/index.html": "DOCS"})
	siteCfg, err := json.Marshal(map[string]string{"document_root": root})
	require.NoError(t, err)

	reg := server.NewHandlerRegistry()
	require.NoError(t, reg.Register(config.StaticFileServerHandlerType, Factory("")))
	rt, err := router.NewRouter([]config.Route{
		{PathPattern: "/docs/", MatchType: config.MatchTypeExact, HandlerType: config.StaticFileServerHandlerType, HandlerConfig: siteCfg},
	}, reg, logger.NewDiscardLogger())
	require.NoError(t, err)

	rec := doRequest(rt, http.MethodGet, "/docs/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DOCS", rec.Body.String())

	// A bare pattern in the context, without a Prefix match type, is not a mount.
	h := newTestHandler(t, root, nil)
	req := httptest.NewRequest(http.MethodGet, "/docs/", nil)
	req = req.WithContext(router.WithMatchedRoute(req.Context(), "/docs/", config.MatchTypeExact))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "DOCS", rec.Body.String())
}

func TestContentResolver_CancelledContext(t *testing.T) {
	root := setupDocumentRoot(t, map[string]string{"d/a.txt": "a", "d/b.txt": "b"})
	r := NewContentResolver(nil, true, "", 1)
	p := NewPathResolver(root).Resolve("/d/", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := r.Resolve(ctx, p)
	assert.Equal(t, InternalError, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestContentResolver_FanInKeepsReadOrder(t *testing.T) {
	files := make(map[string]string)
	for i := 0; i < 200; i++ {
		if i%7 == 0 {
			files["many/dir"+strconv.Itoa(i)+"/"] = ""
		} else {
			files["many/f"+strconv.Itoa(i)+".txt"] = "x"
		}
	}
	root := setupDocumentRoot(t, files)
	order := readOrder(t, filepath.Join(root, "many"))

	for _, limit := range []int{1, 3, 64} {
		t.Run(strconv.Itoa(limit), func(t *testing.T) {
			out := NewContentResolver(nil, true, "", limit).Resolve(context.Background(), NewPathResolver(root).Resolve("/many/", ""))
			require.Equal(t, ServeDirectoryListing, out.Kind, "err: %v", out.Err)
			require.Len(t, out.Entries, len(order))
			for i, e := range out.Entries {
				assert.Equal(t, order[i], e.Name)
				assert.Equal(t, strings.HasPrefix(e.Name, "dir"), e.IsDir, e.Name)
			}
		})
	}
}

func TestContentResolver_Outcomes(t *testing.T) {
	root := setupDocumentRoot(t, map[string]string{"f.txt": "f", "d/index.html": "i", "e/": ""})
	r := NewContentResolver([]string{"index.html"}, true, "", 4)
	pr := NewPathResolver(root)

	tests := []struct {
		raw  string
		kind OutcomeKind
	}{
		{"/f.txt", ServeFile},
		{"/d/", ServeDirectoryIndex},
		{"/d", Redirect},
		{"/e/", ServeDirectoryListing},
		{"/nope", NotFound},
		{"/.f.txt", Forbidden},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			out := r.Resolve(context.Background(), pr.Resolve(tc.raw, ""))
			assert.Equal(t, tc.kind, out.Kind, out.Kind.String())
		})
	}
}

func TestServeHTTP_UnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	root := setupDocumentRoot(t, map[string]string{"locked.txt": "secret"})
	require.NoError(t, os.Chmod(filepath.Join(root, "locked.txt"), 0o000))
	h := newTestHandler(t, root, nil)

	rec := doRequest(h, http.MethodGet, "/locked.txt")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, server.ContentTypeHTML, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "failed to open file")
}

func TestNewFromConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "www"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "www", "notes.md"), []byte("# hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mime.json"), []byte(`{".md": "text/markdown"}`), 0o644))
	mainConfig := filepath.Join(dir, "server.json")

	h, err := NewFromConfig(json.RawMessage(`{"document_root": "www", "mime_types_path": "mime.json"}`), logger.NewDiscardLogger(), mainConfig)
	require.NoError(t, err)
	rec := doRequest(h, http.MethodGet, "/notes.md")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/markdown", rec.Header().Get("Content-Type"))

	_, err = NewFromConfig(json.RawMessage(`{}`), logger.NewDiscardLogger(), mainConfig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document_root cannot be empty")

	_, err = NewFromConfig(json.RawMessage(`{"document_root": "www", "mime_types_path": "absent.json"}`), nil, mainConfig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load custom MIME types")

	_, err = New(nil, nil)
	assert.Error(t, err)
}
