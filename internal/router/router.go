package router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"example.com/staticservlet/internal/config"
	"example.com/staticservlet/internal/logger"
	"example.com/staticservlet/internal/server"
)

type contextKey struct{ name string }

var (
	matchedPathPatternKey = &contextKey{"matched-path-pattern"}
	matchedMatchTypeKey   = &contextKey{"matched-match-type"}
)

// WithMatchedRoute returns a context recording the pattern and match type of
// the route a request matched.
func WithMatchedRoute(ctx context.Context, pattern string, matchType config.MatchType) context.Context {
	ctx = context.WithValue(ctx, matchedPathPatternKey, pattern)
	return context.WithValue(ctx, matchedMatchTypeKey, matchType)
}

// MatchedPathPattern returns the pattern recorded by the router, or "".
func MatchedPathPattern(ctx context.Context) string {
	pattern, _ := ctx.Value(matchedPathPatternKey).(string)
	return pattern
}

// MatchedMatchType returns the match type recorded by the router, or "".
func MatchedMatchType(ctx context.Context) config.MatchType {
	mt, _ := ctx.Value(matchedMatchTypeKey).(config.MatchType)
	return mt
}

// route is a configured route with its instantiated handler.
type route struct {
	config.Route
	handler http.Handler
}

// Router holds the routing table and dispatches requests.
type Router struct {
	// exactRoutes is keyed by PathPattern.
	exactRoutes map[string]route
	// prefixRoutes is sorted by PathPattern length, longest first.
	prefixRoutes []route

	log *logger.Logger
}

// NewRouter instantiates a handler for every route through the registry. Routes
// are assumed to have been validated by the config loader.
func NewRouter(routes []config.Route, registry *server.HandlerRegistry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	r := &Router{
		exactRoutes: make(map[string]route),
		log:         lg,
	}
	for i, rc := range routes {
		h, err := registry.CreateHandler(rc.HandlerType, rc.HandlerConfig, lg)
		if err != nil {
			return nil, fmt.Errorf("routing.routes[%d] (%s %s): %w", i, rc.MatchType, rc.PathPattern, err)
		}
		switch rc.MatchType {
		case config.MatchTypeExact:
			r.exactRoutes[rc.PathPattern] = route{Route: rc, handler: h}
		case config.MatchTypePrefix:
			r.prefixRoutes = append(r.prefixRoutes, route{Route: rc, handler: h})
		default:
			return nil, fmt.Errorf("routing.routes[%d] has unknown match_type '%s'", i, rc.MatchType)
		}
	}

	sort.SliceStable(r.prefixRoutes, func(i, j int) bool {
		return len(r.prefixRoutes[i].PathPattern) > len(r.prefixRoutes[j].PathPattern)
	})
	return r, nil
}

// MatchedRouteInfo holds the matched route and its handler.
type MatchedRouteInfo struct {
	Handler http.Handler
	Route   config.Route
}

// FindRoute matches path against the table. Exact matches take precedence over
// prefix matches, and the longest prefix wins. It returns nil if nothing matches.
func (r *Router) FindRoute(path string) *MatchedRouteInfo {
	if rt, ok := r.exactRoutes[path]; ok {
		return &MatchedRouteInfo{Handler: rt.handler, Route: rt.Route}
	}
	for _, rt := range r.prefixRoutes {
		if strings.HasPrefix(path, rt.PathPattern) {
			return &MatchedRouteInfo{Handler: rt.handler, Route: rt.Route}
		}
	}
	return nil
}

// ServeHTTP logs the request, rejects unsupported methods with an empty 501 and
// dispatches the rest to the matching route, answering 404 when none matches.
// Every response is written to the access log.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		r.log.Access(req, rec.Status(), rec.bytes, time.Since(start))
	}()

	r.log.Info("Request", logger.LogFields{
		"method":     req.Method,
		"path":       req.URL.Path,
		"user_agent": req.UserAgent(),
	})

	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		server.WriteEmptyResponse(rec, http.StatusNotImplemented)
		return
	}

	matched := r.FindRoute(req.URL.Path)
	if matched == nil {
		r.log.Debug("No route matched for request", logger.LogFields{"path": req.URL.Path})
		server.WriteErrorResponse(rec, req, http.StatusNotFound, req.URL.Path, r.log)
		return
	}

	ctx := WithMatchedRoute(req.Context(), matched.Route.PathPattern, matched.Route.MatchType)
	matched.Handler.ServeHTTP(rec, req.WithContext(ctx))
}

// statusRecorder captures the status code and body size for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(p)
	s.bytes += int64(n)
	return n, err
}

// Status is the status sent so far, 200 if the handler wrote nothing.
func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
