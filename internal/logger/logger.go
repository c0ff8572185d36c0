package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/staticservlet/internal/config"
)

// LogFields carries structured key/value pairs attached to a log entry.
type LogFields map[string]interface{}

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// swappableWriter lets a log file be reopened (SIGHUP) while other goroutines log.
type swappableWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *swappableWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *swappableWriter) swap(w io.Writer) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.w
	s.w = w
	return old
}

// logSink is an output destination shared by the access and error loggers.
type logSink struct {
	target string // "stdout", "stderr", an absolute path, or "" for caller-supplied writers
	out    *swappableWriter
	file   *os.File
}

// AccessLogger writes one entry per served request.
type AccessLogger struct {
	logger        zerolog.Logger
	config        config.AccessLogConfig
	sink          *logSink
	parsedProxies parsedProxiesContainer
}

// ErrorLogger handles leveled application logging.
type ErrorLogger struct {
	logger zerolog.Logger
	sink   *logSink
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	accessLog      *AccessLogger
	errorLog       *ErrorLogger
	globalLogLevel config.LogLevel
}

// NewLogger creates and configures a new Logger instance from cfg.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	errorTarget := "stderr"
	errorFormat := config.LogFormatJSON
	if cfg.ErrorLog != nil {
		if cfg.ErrorLog.Target != nil {
			errorTarget = *cfg.ErrorLog.Target
		}
		if cfg.ErrorLog.Format != "" {
			errorFormat = cfg.ErrorLog.Format
		}
	}
	errSink, err := openSink(errorTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log target %s: %w", errorTarget, err)
	}

	l := &Logger{
		globalLogLevel: cfg.LogLevel,
		errorLog:       newErrorLogger(errSink, errorFormat, cfg.LogLevel),
	}

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		accessTarget := "stdout"
		if cfg.AccessLog.Target != nil {
			accessTarget = *cfg.AccessLog.Target
		}
		accessSink, err := openSink(accessTarget)
		if err != nil {
			errSink.close()
			return nil, fmt.Errorf("failed to open access log target %s: %w", accessTarget, err)
		}
		al, err := newAccessLogger(accessSink, *cfg.AccessLog)
		if err != nil {
			errSink.close()
			accessSink.close()
			return nil, err
		}
		l.accessLog = al
	}

	return l, nil
}

// NewWithWriters builds a Logger writing error entries to errorOut and access
// entries to accessOut (nil disables access logging). Both use JSON output.
func NewWithWriters(level config.LogLevel, errorOut, accessOut io.Writer) *Logger {
	l := &Logger{
		globalLogLevel: level,
		errorLog:       newErrorLogger(&logSink{out: &swappableWriter{w: errorOut}}, config.LogFormatJSON, level),
	}
	if accessOut != nil {
		enabled := true
		al, _ := newAccessLogger(&logSink{out: &swappableWriter{w: accessOut}}, config.AccessLogConfig{
			Enabled: &enabled,
			Format:  config.LogFormatJSON,
		})
		l.accessLog = al
	}
	return l
}

// NewDiscardLogger returns a Logger that drops everything.
func NewDiscardLogger() *Logger {
	return NewWithWriters(config.LogLevelError, io.Discard, nil)
}

func openSink(target string) (*logSink, error) {
	switch target {
	case "stdout":
		return &logSink{target: target, out: &swappableWriter{w: os.Stdout}}, nil
	case "stderr", "":
		return &logSink{target: "stderr", out: &swappableWriter{w: os.Stderr}}, nil
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &logSink{target: target, out: &swappableWriter{w: f}, file: f}, nil
}

func (s *logSink) close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

// reopen closes and reopens a file target so that rotated files are picked up.
func (s *logSink) reopen() error {
	if s == nil || s.file == nil {
		return nil
	}
	f, err := os.OpenFile(s.target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen log file %s: %w", s.target, err)
	}
	s.out.swap(f)
	old := s.file
	s.file = f
	return old.Close()
}

func formatWriter(sink *logSink, format string) io.Writer {
	if format == config.LogFormatConsole {
		return zerolog.ConsoleWriter{Out: sink.out, NoColor: sink.file != nil, TimeFormat: time.RFC3339}
	}
	return sink.out
}

func newErrorLogger(sink *logSink, format string, level config.LogLevel) *ErrorLogger {
	zl := zerolog.New(formatWriter(sink, format)).
		Level(toZerologLevel(level)).
		With().Timestamp().Logger()
	return &ErrorLogger{logger: zl, sink: sink}
}

func newAccessLogger(sink *logSink, cfg config.AccessLogConfig) (*AccessLogger, error) {
	parsedProxies, err := preParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", err)
	}
	return &AccessLogger{
		logger:        zerolog.New(formatWriter(sink, cfg.Format)).With().Timestamp().Logger(),
		config:        cfg,
		sink:          sink,
		parsedProxies: parsedProxies,
	}, nil
}

func toZerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// preParseTrustedProxies converts string representations of IPs and CIDRs
// into net.IP and *net.IPNet objects for efficient checking.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	var container parsedProxiesContainer
	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") {
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", pStr, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
			continue
		}
		ip := net.ParseIP(pStr)
		if ip == nil {
			return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", pStr)
		}
		container.ips = append(container.ips, ip)
	}
	return container, nil
}

func isIPTrusted(ip net.IP, trusted parsedProxiesContainer) bool {
	if ip == nil {
		return false
	}
	for _, cidr := range trusted.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	for _, t := range trusted.ips {
		if t.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP determines the client address. The header named by
// realIPHeaderName is only honoured when the direct peer is a trusted proxy;
// it is then walked right to left and the first untrusted address wins.
func getRealClientIP(remoteAddr string, headers http.Header, realIPHeaderName string, trusted parsedProxiesContainer) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		peer = ip.String()
	}

	if realIPHeaderName == "" || !isIPTrusted(net.ParseIP(peer), trusted) {
		return peer
	}
	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return peer
	}

	hops := strings.Split(headerValue, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		ip := net.ParseIP(hop)
		if ip == nil {
			// A malformed chain is not trustworthy.
			return peer
		}
		if !isIPTrusted(ip, trusted) {
			return hop
		}
	}
	return peer
}

// LogAccess writes an access log entry for a completed request.
func (al *AccessLogger) LogAccess(req *http.Request, status int, responseBytes int64, duration time.Duration) {
	if al == nil {
		return
	}

	_, remotePort, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		remotePort = "0"
	}
	realIPHeader := ""
	if al.config.RealIPHeader != nil {
		realIPHeader = *al.config.RealIPHeader
	}

	ev := al.logger.Log().
		Str("remote_addr", getRealClientIP(req.RemoteAddr, req.Header, realIPHeader, al.parsedProxies)).
		Str("remote_port", remotePort).
		Str("protocol", req.Proto).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Int("status", status).
		Int64("resp_bytes", responseBytes).
		Int64("duration_ms", duration.Milliseconds())
	if ua := req.UserAgent(); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		ev = ev.Str("referer", ref)
	}
	ev.Send()
}

func (el *ErrorLogger) log(level zerolog.Level, msg string, fields []LogFields) {
	if el == nil {
		return
	}
	ev := el.logger.WithLevel(level)
	if ev == nil {
		return
	}
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(map[string]interface{}(f))
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.DebugLevel, msg, fields)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.InfoLevel, msg, fields)
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.WarnLevel, msg, fields)
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	l.errorLog.log(zerolog.ErrorLevel, msg, fields)
}

// Access records a completed request in the access log, if enabled.
func (l *Logger) Access(req *http.Request, status int, responseBytes int64, duration time.Duration) {
	l.accessLog.LogAccess(req, status, responseBytes, duration)
}

// DebugEnabled reports whether debug entries would be written.
func (l *Logger) DebugEnabled() bool {
	return l.errorLog != nil && l.errorLog.logger.GetLevel() <= zerolog.DebugLevel
}

// CloseLogFiles closes any open log files. Standard streams are left open.
func (l *Logger) CloseLogFiles() error {
	var firstErr error
	if l.accessLog != nil {
		if err := l.accessLog.sink.close(); err != nil {
			firstErr = err
		}
	}
	if l.errorLog != nil {
		if err := l.errorLog.sink.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReopenLogFiles closes and reopens file-based log targets. It is called on SIGHUP.
func (l *Logger) ReopenLogFiles() error {
	if l.errorLog != nil {
		if err := l.errorLog.sink.reopen(); err != nil {
			return err
		}
	}
	if l.accessLog != nil {
		if err := l.accessLog.sink.reopen(); err != nil {
			return err
		}
	}
	return nil
}
