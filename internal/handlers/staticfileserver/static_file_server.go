package staticfileserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"example.com/staticservlet/internal/config"
	"example.com/staticservlet/internal/logger"
	"example.com/staticservlet/internal/router"
	"example.com/staticservlet/internal/server"
)

const handlerName = config.StaticFileServerHandlerType

// StaticFileServer serves files and directory listings below a document root.
// It holds no per-request state and is safe for concurrent use.
type StaticFileServer struct {
	cfg      *config.StaticFileServerConfig
	log      *logger.Logger
	paths    *PathResolver
	resolver *ContentResolver
	mime     *MimeRegistry
}

// New creates a StaticFileServer from an already validated configuration.
func New(cfg *config.StaticFileServerConfig, lg *logger.Logger) (*StaticFileServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%s: configuration cannot be nil", handlerName)
	}
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}

	mime, err := newMimeRegistryFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", handlerName, err)
	}

	listing := true
	if cfg.ServeDirectoryListing != nil {
		listing = *cfg.ServeDirectoryListing
	}
	rootIndex := ""
	if cfg.RootIndex != nil {
		rootIndex = *cfg.RootIndex
	}
	statConcurrency := 0
	if cfg.StatConcurrency != nil {
		statConcurrency = *cfg.StatConcurrency
	}

	return &StaticFileServer{
		cfg:      cfg,
		log:      lg,
		paths:    NewPathResolver(cfg.DocumentRoot),
		resolver: NewContentResolver(cfg.IndexFiles, listing, rootIndex, statConcurrency),
		mime:     mime,
	}, nil
}

// NewFromConfig parses and validates a raw handler_config, resolving relative
// paths against mainConfigPath, and creates the handler.
func NewFromConfig(handlerCfg json.RawMessage, lg *logger.Logger, mainConfigPath string) (*StaticFileServer, error) {
	sfsConfig, err := config.ParseAndValidateStaticFileServerConfig(handlerCfg, mainConfigPath)
	if err != nil {
		if lg != nil {
			lg.Error("Failed to parse or validate StaticFileServer config", logger.LogFields{"error": err.Error()})
		}
		return nil, fmt.Errorf("%s: %w", handlerName, err)
	}
	return New(sfsConfig, lg)
}

// Factory returns a server.HandlerFactory creating StaticFileServers whose
// relative paths resolve against mainConfigPath.
func Factory(mainConfigPath string) server.HandlerFactory {
	return func(handlerCfg json.RawMessage, lg *logger.Logger) (http.Handler, error) {
		return NewFromConfig(handlerCfg, lg, mainConfigPath)
	}
}

// ServeHTTP resolves the request to one Outcome and renders it.
func (sfs *StaticFileServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	out := sfs.Outcome(req)
	if sfs.log.DebugEnabled() {
		sfs.log.Debug("Resolved request", logger.LogFields{
			"method":  req.Method,
			"path":    out.Path.DisplayPath(),
			"fs_path": out.Path.FSPath,
			"outcome": out.Kind.String(),
		})
	}
	sfs.render(w, req, out)
}

// Outcome decides what req should produce without writing anything.
// Unsupported methods are rejected before the filesystem is consulted.
func (sfs *StaticFileServer) Outcome(req *http.Request) Outcome {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		return Outcome{Kind: MethodNotAllowed}
	}

	mount, rel := splitMount(req)
	p := sfs.paths.Resolve(rel, req.URL.RawQuery)
	p.Mount = mount
	return sfs.resolver.Resolve(req.Context(), p)
}

// splitMount separates the prefix the handler is mounted at from the escaped
// request path. Only Prefix routes are mounted; Exact routes and the root
// route resolve the full request path.
func splitMount(req *http.Request) (mount, rel string) {
	pattern := router.MatchedPathPattern(req.Context())
	escaped := req.URL.EscapedPath()
	if router.MatchedMatchType(req.Context()) != config.MatchTypePrefix || pattern == "/" || !strings.HasSuffix(pattern, "/") {
		return "", escaped
	}
	mount = strings.TrimSuffix(pattern, "/")
	if strings.HasPrefix(escaped, pattern) {
		return mount, escaped[len(mount):]
	}
	// The route matched on the decoded path; re-escape the remainder.
	remainder := strings.TrimPrefix(req.URL.Path, mount)
	return mount, (&url.URL{Path: remainder}).EscapedPath()
}
