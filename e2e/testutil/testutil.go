package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"example.com/staticservlet/internal/config"
	"example.com/staticservlet/internal/handlers/staticfileserver"
	"example.com/staticservlet/internal/logger"
	"example.com/staticservlet/internal/router"
	"example.com/staticservlet/internal/server"
	"example.com/staticservlet/internal/util"
)

// TestRequest models an HTTP request for E2E testing.
type TestRequest struct {
	Method  string
	Path    string // Should include the raw query if any, e.g. "/path?query=value"
	Headers http.Header
	Body    []byte
}

// HeaderMatcher maps a header name to its exact expected value.
type HeaderMatcher map[string]string

// BodyMatcher defines a way to match the response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string) // Returns match status and a description of mismatch
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

// Match implements BodyMatcher for ExactBodyMatcher.
func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", string(m.ExpectedBody), string(body))
}

// StringContainsBodyMatcher checks if the body contains a specific substring.
type StringContainsBodyMatcher struct {
	Substring string
}

// Match implements BodyMatcher for StringContainsBodyMatcher.
func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body does not contain substring: %q. Body: %q", m.Substring, string(body))
}

// ExpectedResponse models the expected outcome of an HTTP request.
type ExpectedResponse struct {
	StatusCode    int
	Headers       HeaderMatcher
	AbsentHeaders []string
	BodyMatcher   BodyMatcher
	ExpectNoBody  bool // If true, BodyMatcher is ignored and body must be empty
}

// ActualResponse stores the actual outcome of an HTTP request.
type ActualResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// ServerInstance is a fully wired server running inside the test process.
type ServerInstance struct {
	Config        *config.Config
	ConfigPath    string
	BaseURL       string
	AccessLogPath string
	ErrorLogPath  string

	srv    *server.Server
	log    *logger.Logger
	cancel context.CancelFunc
	done   chan error
}

// WriteConfig encodes cfg as JSON, TOML or YAML into dir and returns the path.
// The configuration is first flattened to a generic document so that route
// handler_config blocks are written as native tables of the target format.
func WriteConfig(dir string, cfg *config.Config, format string) (string, error) {
	normalized, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return "", fmt.Errorf("failed to flatten config: %w", err)
	}

	var (
		data []byte
		ext  string
	)
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(doc, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(doc); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	case "yaml":
		data, err = yaml.Marshal(doc)
		ext = ".yaml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to encode config as %s: %w", format, err)
	}

	p := filepath.Join(dir, "server"+ext)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return p, nil
}

// StaticRoute builds a route serving documentRoot under pattern.
func StaticRoute(pattern string, matchType config.MatchType, sfs config.StaticFileServerConfig) (config.Route, error) {
	raw, err := json.Marshal(sfs)
	if err != nil {
		return config.Route{}, err
	}
	return config.Route{
		PathPattern:   pattern,
		MatchType:     matchType,
		HandlerType:   config.StaticFileServerHandlerType,
		HandlerConfig: raw,
	}, nil
}

// NewConfig returns a configuration listening on an ephemeral loopback port
// that logs to files under logDir.
func NewConfig(logDir string, routes ...config.Route) *config.Config {
	addr := "127.0.0.1:0"
	shutdown := "2s"
	accessLog := filepath.Join(logDir, "access.log")
	errorLog := filepath.Join(logDir, "error.log")
	return &config.Config{
		Server: &config.ServerConfig{
			Address:                 &addr,
			GracefulShutdownTimeout: &shutdown,
		},
		Routing: &config.RoutingConfig{Routes: routes},
		Logging: &config.LoggingConfig{
			LogLevel:  config.LogLevelDebug,
			AccessLog: &config.AccessLogConfig{Target: &accessLog},
			ErrorLog:  &config.ErrorLogConfig{Target: &errorLog},
		},
	}
}

// StartTestServer loads configPath and runs the same stack as the server
// binary until the test ends.
func StartTestServer(t testing.TB, configPath string) *ServerInstance {
	t.Helper()
	t.Setenv(util.ListenFdsEnvKey, "")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("failed to load config %s: %v", configPath, err)
	}
	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}

	registry := server.NewHandlerRegistry()
	if err := registry.Register(config.StaticFileServerHandlerType, staticfileserver.Factory(cfg.OriginalFilePath)); err != nil {
		t.Fatalf("failed to register handler: %v", err)
	}
	rt, err := router.NewRouter(cfg.Routing.Routes, registry, lg)
	if err != nil {
		t.Fatalf("failed to create router: %v", err)
	}
	srv, err := server.NewServer(cfg, lg, rt)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	si := &ServerInstance{
		Config:        cfg,
		ConfigPath:    configPath,
		AccessLogPath: *cfg.Logging.AccessLog.Target,
		ErrorLogPath:  *cfg.Logging.ErrorLog.Target,
		srv:           srv,
		log:           lg,
		cancel:        cancel,
		done:          make(chan error, 1),
	}
	go func() { si.done <- srv.Serve(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-si.done:
		cancel()
		lg.CloseLogFiles()
		t.Fatalf("server exited before becoming ready: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		lg.CloseLogFiles()
		t.Fatal("server did not become ready within 5s")
	}
	si.BaseURL = "http://" + srv.Addrs()[0].String()
	t.Cleanup(func() {
		if err := si.Stop(); err != nil {
			t.Errorf("server stopped with error: %v", err)
		}
	})
	return si
}

// Stop shuts the server down and closes its log files. Safe to call twice.
func (si *ServerInstance) Stop() error {
	if si.cancel == nil {
		return nil
	}
	si.cancel()
	si.cancel = nil
	err := <-si.done
	if closeErr := si.log.CloseLogFiles(); err == nil {
		err = closeErr
	}
	return err
}

// ReadErrorLog returns the error log written so far.
func (si *ServerInstance) ReadErrorLog() string {
	data, _ := os.ReadFile(si.ErrorLogPath)
	return string(data)
}

// ReadAccessLog returns the access log entries written so far, one per line.
func (si *ServerInstance) ReadAccessLog() []map[string]interface{} {
	data, err := os.ReadFile(si.AccessLogPath)
	if err != nil {
		return nil
	}
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var entry map[string]interface{}
		if json.Unmarshal([]byte(line), &entry) == nil {
			entries = append(entries, entry)
		}
	}
	return entries
}

// Do sends req to the server without following redirects.
func (si *ServerInstance) Do(req TestRequest) (*ActualResponse, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequest(req.Method, si.BaseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &ActualResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}

// DoRaw writes a request line for target verbatim, bypassing URL parsing on the
// client side, and reads back the response.
func (si *ServerInstance) DoRaw(method, target string) (*ActualResponse, error) {
	addr := strings.TrimPrefix(si.BaseURL, "http://")
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, err
	}

	if _, err := fmt.Fprintf(conn, "%s %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", method, target, addr); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: method})
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &ActualResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}

// AssertResponse reports every way actual deviates from expected.
func AssertResponse(t testing.TB, actual *ActualResponse, expected ExpectedResponse) {
	t.Helper()
	if actual.StatusCode != expected.StatusCode {
		t.Errorf("expected status %d, got %d (body: %q)", expected.StatusCode, actual.StatusCode, string(actual.Body))
	}
	for name, want := range expected.Headers {
		if got := actual.Headers.Get(name); got != want {
			t.Errorf("header %s: expected %q, got %q", name, want, got)
		}
	}
	for _, name := range expected.AbsentHeaders {
		if _, ok := actual.Headers[http.CanonicalHeaderKey(name)]; ok {
			t.Errorf("header %s should be absent, got %q", name, actual.Headers.Get(name))
		}
	}
	if expected.ExpectNoBody {
		if len(actual.Body) != 0 {
			t.Errorf("expected empty body, got %d bytes: %q", len(actual.Body), string(actual.Body))
		}
		return
	}
	if expected.BodyMatcher != nil {
		if ok, msg := expected.BodyMatcher.Match(actual.Body); !ok {
			t.Error(msg)
		}
	}
}
