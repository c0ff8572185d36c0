package config

import (
	"encoding/json"
	"fmt"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches any path starting with the prefix.
	MatchTypePrefix MatchType = "Prefix"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Log output formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// StaticFileServerHandlerType is the handler_type string under which the
// static content handler is registered.
const StaticFileServerHandlerType = "StaticFileServer"

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty" yaml:"server,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty" yaml:"routing,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty" yaml:"logging,omitempty"`

	// OriginalFilePath is the absolute path of the file the config was loaded from.
	// Empty for programmatically built configurations.
	OriginalFilePath string `json:"-" toml:"-" yaml:"-"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Address                 *string `json:"address,omitempty" toml:"address,omitempty" yaml:"address,omitempty"`
	GracefulShutdownTimeout *string `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty" yaml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
	ReadHeaderTimeout       *string `json:"read_header_timeout,omitempty" toml:"read_header_timeout,omitempty" yaml:"read_header_timeout,omitempty"`
	IdleTimeout             *string `json:"idle_timeout,omitempty" toml:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
	// MaxConnections caps concurrently accepted connections. Zero means unlimited.
	MaxConnections *int `json:"max_connections,omitempty" toml:"max_connections,omitempty" yaml:"max_connections,omitempty"`
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty" yaml:"routes,omitempty"`
}

// Route defines a single routing rule.
// HandlerConfig is always held as JSON; TOML and YAML documents are normalized
// to JSON by LoadConfig before they reach this struct.
type Route struct {
	PathPattern   string          `json:"path_pattern"`
	MatchType     MatchType       `json:"match_type"`
	HandlerType   string          `json:"handler_type"`
	HandlerConfig json.RawMessage `json:"handler_config,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty" yaml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty" yaml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty" yaml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Target         *string  `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty" yaml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty" yaml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format string  `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
}

// StaticFileServerConfig is the HandlerConfig for "StaticFileServer" routes.
// It is unmarshalled from Route.HandlerConfig.
type StaticFileServerConfig struct {
	DocumentRoot          string   `json:"document_root"`
	IndexFiles            []string `json:"index_files,omitempty"`
	ServeDirectoryListing *bool    `json:"serve_directory_listing,omitempty"`
	// RootIndex is the document a request for "/" is redirected to when it
	// exists, relative to DocumentRoot. An explicit empty string disables it.
	RootIndex       *string           `json:"root_index,omitempty"`
	StatConcurrency *int              `json:"stat_concurrency,omitempty"`
	MimeTypesMap    map[string]string `json:"mime_types,omitempty"`
	MimeTypesPath   *string           `json:"mime_types_path,omitempty"`
}

// ConfigError describes a configuration problem tied to a file.
type ConfigError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.FilePath != "" {
		msg = fmt.Sprintf("%s (file: %s)", msg, e.FilePath)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}
