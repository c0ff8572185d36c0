package staticfileserver

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"

	"example.com/staticservlet/internal/logger"
	"example.com/staticservlet/internal/server"
)

const streamChunkSize = 32 * 1024

// render writes out onto w. It is the only place an Outcome is consumed.
func (sfs *StaticFileServer) render(w http.ResponseWriter, req *http.Request, out Outcome) {
	switch out.Kind {
	case ServeFile, ServeDirectoryIndex:
		sfs.serveFile(w, req, out)
	case ServeDirectoryListing:
		sfs.serveListing(w, req, out)
	case Redirect:
		server.WriteRedirect(w, req, out.Location, sfs.log)
	case NotFound:
		server.WriteErrorResponse(w, req, http.StatusNotFound, out.Path.DisplayPath(), sfs.log)
	case Forbidden:
		server.WriteErrorResponse(w, req, http.StatusForbidden, out.Path.DisplayPath(), sfs.log)
	case MethodNotAllowed:
		server.WriteEmptyResponse(w, http.StatusNotImplemented)
	default:
		sfs.serveInternalError(w, req, out)
	}
}

func (sfs *StaticFileServer) serveInternalError(w http.ResponseWriter, req *http.Request, out Outcome) {
	err := out.Err
	if err == nil {
		err = fmt.Errorf("unhandled outcome %s", out.Kind)
	}
	sfs.log.Error("Failed to serve request", logger.LogFields{
		"handler": handlerName,
		"path":    out.Path.DisplayPath(),
		"outcome": out.Kind.String(),
		"error":   err.Error(),
	})
	server.WriteErrorResponse(w, req, http.StatusInternalServerError, err.Error(), sfs.log)
}

// serveFile streams out.File. The first chunk is read before any header is sent
// so that an unreadable file still gets a 500 page. Later failures just end the
// response short of its Content-Length.
func (sfs *StaticFileServer) serveFile(w http.ResponseWriter, req *http.Request, out Outcome) {
	h := w.Header()
	h.Set("Content-Type", sfs.mime.ForPath(out.File))
	h.Set("Content-Length", strconv.FormatInt(out.Info.Size(), 10))

	if req.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	f, err := os.Open(out.File)
	if err != nil {
		resetHeaders(h)
		out.Err = fmt.Errorf("failed to open file: %w", err)
		sfs.serveInternalError(w, req, out)
		return
	}
	defer f.Close()

	buf := make([]byte, streamChunkSize)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		resetHeaders(h)
		out.Err = fmt.Errorf("failed to read file: %w", err)
		sfs.serveInternalError(w, req, out)
		return
	}

	if sfs.log.DebugEnabled() {
		sfs.log.Debug("Serving file", logger.LogFields{
			"path": out.Path.DisplayPath(),
			"file": out.File,
			"size": humanize.Bytes(uint64(out.Info.Size())),
		})
	}

	w.WriteHeader(http.StatusOK)
	written := int64(0)
	ctx := req.Context()
	for n > 0 {
		if _, werr := w.Write(buf[:n]); werr != nil {
			sfs.log.Debug("Client went away while streaming", logger.LogFields{"path": out.Path.DisplayPath(), "error": werr.Error()})
			return
		}
		written += int64(n)
		if err == io.EOF {
			return
		}
		if cerr := ctx.Err(); cerr != nil {
			sfs.log.Debug("Request cancelled while streaming", logger.LogFields{
				"path":    out.Path.DisplayPath(),
				"written": humanize.Bytes(uint64(written)),
			})
			return
		}
		n, err = f.Read(buf)
		if err != nil && err != io.EOF {
			sfs.log.Error("Failed to read file mid-stream", logger.LogFields{
				"path":    out.Path.DisplayPath(),
				"written": written,
				"error":   err.Error(),
			})
			return
		}
	}
}

func resetHeaders(h http.Header) {
	h.Del("Content-Type")
	h.Del("Content-Length")
}

func (sfs *StaticFileServer) serveListing(w http.ResponseWriter, req *http.Request, out Outcome) {
	body := renderListing(out.Path.DisplayPath(), out.Entries)
	if sfs.log.DebugEnabled() {
		sfs.log.Debug("Serving directory listing", logger.LogFields{
			"path":    out.Path.DisplayPath(),
			"entries": len(out.Entries),
			"size":    humanize.Bytes(uint64(len(body))),
		})
	}
	if err := server.WriteHTMLResponse(w, req, http.StatusOK, body, nil); err != nil {
		sfs.log.Debug("Failed to write directory listing", logger.LogFields{"path": out.Path.DisplayPath(), "error": err.Error()})
	}
}

// renderListing produces the listing page for dir. Hidden entries are skipped and
// the rest keep their order.
func renderListing(dir string, entries []DirectoryEntry) []byte {
	var b bytes.Buffer
	title := server.EscapeHTML(dir)
	fmt.Fprintf(&b, "<!doctype html>\n<title>%s</title>\n<style>\n  ol { list-style-type: none; font-size: 1.2em; }\n</style>\n<h1>Directory: %s</h1><ol>", title, title)
	for _, e := range entries {
		if e.Hidden() {
			continue
		}
		name := server.EscapeHTML(e.DisplayName())
		fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, name, name)
	}
	b.WriteString("</ol>")
	return b.Bytes()
}
