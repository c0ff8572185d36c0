package staticfileserver

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"example.com/staticservlet/internal/config"
)

// DefaultMimeType is served for unknown or missing extensions.
const DefaultMimeType = "text/plain"

// builtinMimeTypes is keyed by extension without the leading dot.
var builtinMimeTypes = map[string]string{
	"txt":  "text/plain",
	"html": "text/html",
	"css":  "text/css",
	"xml":  "application/xml",
	"json": "application/json",
	"js":   "application/javascript",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"png":  "image/png",
	"svg":  "image/svg+xml",
}

// MimeRegistry maps file extensions to content types. It is never modified
// after construction, so lookups need no locking.
type MimeRegistry struct {
	types map[string]string
}

// NewMimeRegistry returns the builtin table extended by overrides. Override keys
// may carry a leading dot; matching stays case-sensitive.
func NewMimeRegistry(overrides map[string]string) *MimeRegistry {
	types := make(map[string]string, len(builtinMimeTypes)+len(overrides))
	for ext, mimeType := range builtinMimeTypes {
		types[ext] = mimeType
	}
	for ext, mimeType := range overrides {
		types[strings.TrimPrefix(ext, ".")] = mimeType
	}
	return &MimeRegistry{types: types}
}

// Lookup returns the content type for ext, given with or without its dot.
func (m *MimeRegistry) Lookup(ext string) string {
	if mimeType, ok := m.types[strings.TrimPrefix(ext, ".")]; ok {
		return mimeType
	}
	return DefaultMimeType
}

// ForPath looks up the extension of the last element of p, which is everything
// after its final dot.
func (m *MimeRegistry) ForPath(p string) string {
	base := path.Base(filepath.ToSlash(p))
	i := strings.LastIndexByte(base, '.')
	if i < 0 {
		return DefaultMimeType
	}
	return m.Lookup(base[i+1:])
}

// LoadCustomMimeTypesFromFile reads a JSON object of extension to MIME type.
// Extensions must start with a '.' and types must not be empty.
func LoadCustomMimeTypesFromFile(filePath string) (map[string]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read MIME types file %q: %w", filePath, err)
	}

	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from MIME types file %q: %w", filePath, err)
	}

	for ext, mimeType := range parsed {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return nil, fmt.Errorf("invalid extension %q in MIME types file %q: must start with a '.'", ext, filePath)
		}
		if mimeType == "" {
			return nil, fmt.Errorf("empty MIME type for extension %q in MIME types file %q", ext, filePath)
		}
	}
	return parsed, nil
}

// newMimeRegistryFromConfig merges the inline mime_types with mime_types_path,
// the file taking precedence.
func newMimeRegistryFromConfig(cfg *config.StaticFileServerConfig) (*MimeRegistry, error) {
	overrides := make(map[string]string, len(cfg.MimeTypesMap))
	for ext, mimeType := range cfg.MimeTypesMap {
		overrides[ext] = mimeType
	}
	if cfg.MimeTypesPath != nil && *cfg.MimeTypesPath != "" {
		fromFile, err := LoadCustomMimeTypesFromFile(*cfg.MimeTypesPath)
		if err != nil {
			return nil, &config.ConfigError{
				FilePath: *cfg.MimeTypesPath,
				Message:  "failed to load custom MIME types",
				Err:      err,
			}
		}
		for ext, mimeType := range fromFile {
			overrides[ext] = mimeType
		}
	}
	return NewMimeRegistry(overrides), nil
}
