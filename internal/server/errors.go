package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"example.com/staticservlet/internal/logger"
)

// ContentTypeHTML is the content type of every generated page.
const ContentTypeHTML = "text/html"

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// EscapeHTML escapes text for insertion into HTML element content or a
// double-quoted attribute. All generated pages route dynamic text through it.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// defaultHTMLMessages maps status codes to page text. Message may contain one %s,
// which receives the escaped detail.
var defaultHTMLMessages = map[int]struct {
	Title   string
	Heading string
	Message string
}{
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested URL %s was not found on this server.",
	},
	http.StatusForbidden: {
		Title:   "403 Forbidden",
		Heading: "Forbidden",
		Message: "You do not have permission to access %s on this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "%s",
	},
	http.StatusMovedPermanently: {
		Title:   "301 Moved Permanently",
		Heading: "Moved Permanently",
		Message: `The document has moved <a href="%s">here</a>.`,
	},
}

// GenerateHTMLPage renders the common page skeleton. message is inserted verbatim.
func GenerateHTMLPage(title, heading, message string) []byte {
	return []byte(fmt.Sprintf("<!doctype html>\n<title>%s</title>\n<h1>%s</h1><p>%s</p>",
		EscapeHTML(title), EscapeHTML(heading), message))
}

// StatusPage renders the page for statusCode with detail escaped into its message.
func StatusPage(statusCode int, detail string) []byte {
	escaped := EscapeHTML(detail)
	msg, ok := defaultHTMLMessages[statusCode]
	if !ok {
		text := http.StatusText(statusCode)
		if text == "" {
			text = "Error"
		}
		return GenerateHTMLPage(fmt.Sprintf("%d %s", statusCode, text), text, escaped)
	}
	return GenerateHTMLPage(msg.Title, msg.Heading, fmt.Sprintf(msg.Message, escaped))
}

// WriteHTMLResponse writes a complete HTML response. HEAD requests receive the
// headers only.
func WriteHTMLResponse(w http.ResponseWriter, req *http.Request, statusCode int, body []byte, extra http.Header) error {
	h := w.Header()
	for k, vv := range extra {
		h[k] = vv
	}
	h.Set("Content-Type", ContentTypeHTML)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(statusCode)
	if req.Method == http.MethodHead {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write %d response body: %w", statusCode, err)
	}
	return nil
}

// WriteErrorResponse sends the default error page for statusCode with detail
// (a path or error text) escaped into it.
func WriteErrorResponse(w http.ResponseWriter, req *http.Request, statusCode int, detail string, lg *logger.Logger) {
	if err := WriteHTMLResponse(w, req, statusCode, StatusPage(statusCode, detail), nil); err != nil && lg != nil {
		lg.Warn("Failed to send error response", logger.LogFields{
			"status": statusCode,
			"path":   req.URL.Path,
			"error":  err.Error(),
		})
	}
}

// WriteRedirect sends a 301 to location with an HTML stub pointing at it.
func WriteRedirect(w http.ResponseWriter, req *http.Request, location string, lg *logger.Logger) {
	extra := http.Header{"Location": []string{location}}
	if err := WriteHTMLResponse(w, req, http.StatusMovedPermanently, StatusPage(http.StatusMovedPermanently, location), extra); err != nil && lg != nil {
		lg.Warn("Failed to send redirect", logger.LogFields{"location": location, "error": err.Error()})
	}
}

// WriteEmptyResponse sends statusCode with no body and no content type.
func WriteEmptyResponse(w http.ResponseWriter, statusCode int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(statusCode)
}
