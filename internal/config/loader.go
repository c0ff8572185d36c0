package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	defaultServerAddress           = ":8000"
	defaultGracefulShutdownTimeout = "30s"
	defaultReadHeaderTimeout       = "10s"
	defaultIdleTimeout             = "120s"

	defaultLogLevel              = LogLevelInfo
	defaultAccessLogEnabled      = true
	defaultAccessLogTarget       = "stdout"
	defaultAccessLogFormat       = LogFormatJSON
	defaultAccessLogRealIPHeader = "X-Forwarded-For"
	defaultErrorLogTarget        = "stderr"
	defaultErrorLogFormat        = LogFormatJSON

	defaultIndexFile       = "index.html"
	defaultRootIndex       = "public/index.html"
	defaultStatConcurrency = 16
)

// LoadConfig reads, parses, defaults and validates the configuration file at filePath.
// The format is chosen by extension (.json, .toml, .yaml/.yml); any other extension
// is auto-detected by trying JSON, TOML and YAML in that order.
func LoadConfig(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", filePath, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ConfigError{FilePath: filePath, Message: "configuration file is empty"}
	}

	cfg, err := parseConfig(data, filepath.Ext(filePath))
	if err != nil {
		return nil, &ConfigError{FilePath: filePath, Message: "invalid configuration", Err: err}
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path of %s: %w", filePath, err)
	}
	cfg.OriginalFilePath = absPath

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, &ConfigError{FilePath: filePath, Message: "configuration validation failed", Err: err}
	}
	return cfg, nil
}

func parseConfig(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".json":
		cfg, err := parseJSON(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
		return cfg, nil
	case ".toml":
		cfg, err := parseTOML(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
		return cfg, nil
	case ".yaml", ".yml":
		cfg, err := parseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
		return cfg, nil
	}

	cfg, jsonErr := parseJSON(data)
	if jsonErr == nil {
		return cfg, nil
	}
	cfg, tomlErr := parseTOML(data)
	if tomlErr == nil {
		return cfg, nil
	}
	cfg, yamlErr := parseYAML(data)
	if yamlErr == nil {
		return cfg, nil
	}
	return nil, fmt.Errorf("failed to auto-detect and parse config: JSON error: %v; TOML error: %v; YAML error: %v",
		jsonErr, tomlErr, yamlErr)
}

func parseJSON(data []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseTOML decodes into a generic document first so that nested handler_config
// tables end up as raw JSON, exactly as they would from a JSON file.
func parseTOML(data []byte) (*Config, error) {
	var doc map[string]interface{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return fromGenericDocument(doc)
}

func parseYAML(data []byte) (*Config, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("YAML document is not a mapping")
	}
	return fromGenericDocument(doc)
}

func fromGenericDocument(doc map[string]interface{}) (*Config, error) {
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize document: %w", err)
	}
	return parseJSON(normalized)
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	if s.Address == nil {
		s.Address = strPtr(defaultServerAddress)
	}
	if s.GracefulShutdownTimeout == nil {
		s.GracefulShutdownTimeout = strPtr(defaultGracefulShutdownTimeout)
	}
	if s.ReadHeaderTimeout == nil {
		s.ReadHeaderTimeout = strPtr(defaultReadHeaderTimeout)
	}
	if s.IdleTimeout == nil {
		s.IdleTimeout = strPtr(defaultIdleTimeout)
	}
	if s.MaxConnections == nil {
		zero := 0
		s.MaxConnections = &zero
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}
	if cfg.Routing.Routes == nil {
		cfg.Routing.Routes = []Route{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = defaultLogLevel
	}
	if l.AccessLog == nil {
		l.AccessLog = &AccessLogConfig{}
	}
	if l.AccessLog.Enabled == nil {
		enabled := defaultAccessLogEnabled
		l.AccessLog.Enabled = &enabled
	}
	if l.AccessLog.Target == nil {
		l.AccessLog.Target = strPtr(defaultAccessLogTarget)
	}
	if l.AccessLog.Format == "" {
		l.AccessLog.Format = defaultAccessLogFormat
	}
	if l.AccessLog.RealIPHeader == nil {
		l.AccessLog.RealIPHeader = strPtr(defaultAccessLogRealIPHeader)
	}
	if l.AccessLog.TrustedProxies == nil {
		l.AccessLog.TrustedProxies = []string{}
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == nil {
		l.ErrorLog.Target = strPtr(defaultErrorLogTarget)
	}
	if l.ErrorLog.Format == "" {
		l.ErrorLog.Format = defaultErrorLogFormat
	}
}

// Validate checks a defaulted configuration for semantic errors.
func Validate(cfg *Config) error {
	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if err := validateRouting(cfg.Routing, cfg.OriginalFilePath); err != nil {
		return err
	}
	return validateLogging(cfg.Logging)
}

func validateServer(s *ServerConfig) error {
	if s.Address != nil && *s.Address == "" {
		return fmt.Errorf("server.address cannot be an empty string")
	}
	durations := []struct {
		name  string
		value *string
	}{
		{"server.graceful_shutdown_timeout", s.GracefulShutdownTimeout},
		{"server.read_header_timeout", s.ReadHeaderTimeout},
		{"server.idle_timeout", s.IdleTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.name, d.value); err != nil {
			return err
		}
	}
	if s.MaxConnections != nil && *s.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative, got %d", *s.MaxConnections)
	}
	return nil
}

// ParseDurationField parses an optional positive duration setting.
// A nil value yields zero without error.
func ParseDurationField(name string, value *string) (time.Duration, error) {
	if value == nil {
		return 0, nil
	}
	if *value == "" {
		return 0, fmt.Errorf("%s cannot be an empty string if specified", name)
	}
	d, err := time.ParseDuration(*value)
	if err != nil {
		return 0, fmt.Errorf("invalid format for %s '%s': %w", name, *value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got '%s'", name, *value)
	}
	return d, nil
}

func validateRouting(r *RoutingConfig, mainConfigPath string) error {
	seenExact := make(map[string]bool)
	seenPrefix := make(map[string]bool)
	for i, route := range r.Routes {
		field := fmt.Sprintf("routing.routes[%d]", i)
		if route.PathPattern == "" {
			return fmt.Errorf("%s.path_pattern cannot be empty", field)
		}
		if !strings.HasPrefix(route.PathPattern, "/") {
			return fmt.Errorf("%s.path_pattern '%s' must start with '/'", field, route.PathPattern)
		}
		switch route.MatchType {
		case MatchTypeExact:
			if seenExact[route.PathPattern] {
				return fmt.Errorf("%s duplicates Exact path_pattern '%s'", field, route.PathPattern)
			}
			seenExact[route.PathPattern] = true
		case MatchTypePrefix:
			if !strings.HasSuffix(route.PathPattern, "/") {
				return fmt.Errorf("%s.path_pattern '%s' with MatchType 'Prefix' must end with '/'", field, route.PathPattern)
			}
			if seenPrefix[route.PathPattern] {
				return fmt.Errorf("%s duplicates Prefix path_pattern '%s'", field, route.PathPattern)
			}
			seenPrefix[route.PathPattern] = true
		default:
			return fmt.Errorf("%s.match_type '%s' is invalid, must be '%s' or '%s'",
				field, route.MatchType, MatchTypeExact, MatchTypePrefix)
		}
		if route.HandlerType == "" {
			return fmt.Errorf("%s.handler_type cannot be empty", field)
		}
		if route.HandlerType == StaticFileServerHandlerType {
			if _, err := ParseAndValidateStaticFileServerConfig(route.HandlerConfig, mainConfigPath); err != nil {
				return fmt.Errorf("%s.handler_config: %w", field, err)
			}
		}
	}
	return nil
}

func validateLogging(l *LoggingConfig) error {
	switch l.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level '%s' is invalid", l.LogLevel)
	}
	if l.AccessLog != nil {
		if err := validateLogTarget("logging.access_log.target", l.AccessLog.Target); err != nil {
			return err
		}
		if err := validateLogFormat("logging.access_log.format", l.AccessLog.Format); err != nil {
			return err
		}
		for j, p := range l.AccessLog.TrustedProxies {
			if !isValidIPOrCIDR(p) {
				return fmt.Errorf("logging.access_log.trusted_proxies[%d] '%s' is not a valid IP or CIDR", j, p)
			}
		}
	}
	if l.ErrorLog != nil {
		if err := validateLogTarget("logging.error_log.target", l.ErrorLog.Target); err != nil {
			return err
		}
		if err := validateLogFormat("logging.error_log.format", l.ErrorLog.Format); err != nil {
			return err
		}
	}
	return nil
}

func validateLogTarget(name string, target *string) error {
	if target == nil {
		return nil
	}
	if *target == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if IsFilePath(*target) && !filepath.IsAbs(*target) {
		return fmt.Errorf("%s '%s' must be 'stdout', 'stderr', or an absolute file path", name, *target)
	}
	return nil
}

func validateLogFormat(name, format string) error {
	if format != LogFormatJSON && format != LogFormatConsole {
		return fmt.Errorf("%s '%s' is invalid, must be '%s' or '%s'", name, format, LogFormatJSON, LogFormatConsole)
	}
	return nil
}

func isValidIPOrCIDR(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

// ParseAndValidateStaticFileServerConfig decodes a StaticFileServer handler_config,
// applies its defaults and validates it. Relative paths are resolved against the
// directory of mainConfigPath, or the working directory when it is empty.
func ParseAndValidateStaticFileServerConfig(raw json.RawMessage, mainConfigPath string) (*StaticFileServerConfig, error) {
	var sfs StaticFileServerConfig
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&sfs); err != nil {
			return nil, fmt.Errorf("failed to parse StaticFileServer handler_config: %w", err)
		}
	}

	if sfs.DocumentRoot == "" {
		return nil, fmt.Errorf("document_root cannot be empty")
	}
	root, err := resolveAgainstConfig(sfs.DocumentRoot, mainConfigPath)
	if err != nil {
		return nil, fmt.Errorf("invalid document_root '%s': %w", sfs.DocumentRoot, err)
	}
	sfs.DocumentRoot = root

	if sfs.IndexFiles == nil {
		sfs.IndexFiles = []string{defaultIndexFile}
	}
	for i, name := range sfs.IndexFiles {
		if name == "" || strings.ContainsAny(name, `/\`) {
			return nil, fmt.Errorf("index_files[%d] '%s' must be a plain file name", i, name)
		}
	}

	if sfs.ServeDirectoryListing == nil {
		listing := true
		sfs.ServeDirectoryListing = &listing
	}

	if sfs.RootIndex == nil {
		sfs.RootIndex = strPtr(defaultRootIndex)
	}
	if ri := *sfs.RootIndex; ri != "" {
		cleaned := path.Clean("/" + ri)
		if strings.HasPrefix(ri, "/") || cleaned != "/"+ri || strings.HasSuffix(ri, "/") {
			return nil, fmt.Errorf("root_index '%s' must be a clean relative file path", ri)
		}
	}

	if sfs.StatConcurrency == nil {
		n := defaultStatConcurrency
		sfs.StatConcurrency = &n
	}
	if *sfs.StatConcurrency <= 0 {
		return nil, fmt.Errorf("stat_concurrency must be positive, got %d", *sfs.StatConcurrency)
	}

	for ext, mimeType := range sfs.MimeTypesMap {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return nil, fmt.Errorf("invalid extension %q in mime_types: must start with a '.'", ext)
		}
		if mimeType == "" {
			return nil, fmt.Errorf("empty MIME type for extension %q in mime_types", ext)
		}
	}

	if sfs.MimeTypesPath != nil {
		if *sfs.MimeTypesPath == "" {
			return nil, fmt.Errorf("mime_types_path cannot be empty if specified")
		}
		p, err := resolveAgainstConfig(*sfs.MimeTypesPath, mainConfigPath)
		if err != nil {
			return nil, fmt.Errorf("invalid mime_types_path '%s': %w", *sfs.MimeTypesPath, err)
		}
		sfs.MimeTypesPath = &p
	}

	return &sfs, nil
}

func resolveAgainstConfig(p, mainConfigPath string) (string, error) {
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	if mainConfigPath != "" {
		return filepath.Join(filepath.Dir(mainConfigPath), p), nil
	}
	return filepath.Abs(p)
}

// DefaultConfig returns a defaulted configuration with a single Prefix route
// serving documentRoot at "/".
func DefaultConfig(documentRoot string) (*Config, error) {
	handlerCfg, err := json.Marshal(StaticFileServerConfig{DocumentRoot: documentRoot})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal default handler config: %w", err)
	}
	cfg := &Config{
		Routing: &RoutingConfig{
			Routes: []Route{{
				PathPattern:   "/",
				MatchType:     MatchTypePrefix,
				HandlerType:   StaticFileServerHandlerType,
				HandlerConfig: handlerCfg,
			}},
		},
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveListenAddress picks the address to listen on. The port comes from envPort,
// then argPort, then the configured address, then the default. A host part of the
// configured address is kept when the port is overridden.
func ResolveListenAddress(configured *string, argPort, envPort string) (string, error) {
	addr := defaultServerAddress
	if configured != nil && *configured != "" {
		addr = *configured
	}

	port := envPort
	source := "PORT environment variable"
	if port == "" {
		port = argPort
		source = "port argument"
	}
	if port == "" {
		return addr, nil
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return "", fmt.Errorf("invalid %s %q: must be a number between 0 and 65535", source, port)
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(n)), nil
}

func strPtr(s string) *string { return &s }
