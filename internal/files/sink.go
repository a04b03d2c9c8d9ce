// Package files writes artifacts produced by runs to the downloads directory
// and tracks them in a TTL registry so the UI can fetch them by ID.
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"quirk/internal/models"
)

// languageExtensions maps fence languages to file extensions for saved code
// blocks. Unknown languages fall back to .txt.
var languageExtensions = map[string]string{
	"javascript": "js",
	"js":         "js",
	"typescript": "ts",
	"ts":         "ts",
	"python":     "py",
	"py":         "py",
	"go":         "go",
	"rust":       "rs",
	"java":       "java",
	"c":          "c",
	"cpp":        "cpp",
	"csharp":     "cs",
	"ruby":       "rb",
	"php":        "php",
	"shell":      "sh",
	"bash":       "sh",
	"sh":         "sh",
	"sql":        "sql",
	"html":       "html",
	"css":        "css",
	"json":       "json",
	"yaml":       "yaml",
	"yml":        "yaml",
	"toml":       "toml",
	"xml":        "xml",
	"markdown":   "md",
	"md":         "md",
}

// ExtensionFor returns the file extension for a fence language.
func ExtensionFor(lang string) string {
	if ext, ok := languageExtensions[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return ext
	}
	return "txt"
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeFilename strips path separators and shell-hostile characters,
// keeping the name usable on every filesystem we care about.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "untitled"
	}
	return name
}

// Sink persists run artifacts under the downloads directory. Entries expire
// out of the registry after the TTL; the files on disk stay until cleanup.
type Sink struct {
	dir      string
	registry *gocache.Cache
}

// NewSink creates the downloads directory if missing.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create downloads dir: %w", err)
	}
	return &Sink{
		dir:      dir,
		registry: gocache.New(24*time.Hour, 1*time.Hour),
	}, nil
}

// Save writes content under a fresh UUID-scoped subdirectory and registers
// the result for download.
func (s *Sink) Save(filename string, content []byte) (models.SavedFile, error) {
	id := uuid.New().String()
	filename = SanitizeFilename(filename)

	fileDir := filepath.Join(s.dir, id)
	if err := os.MkdirAll(fileDir, 0o755); err != nil {
		return models.SavedFile{}, fmt.Errorf("failed to create file dir: %w", err)
	}

	path := filepath.Join(fileDir, filename)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return models.SavedFile{}, fmt.Errorf("failed to write %s: %w", filename, err)
	}

	file := models.SavedFile{
		ID:       id,
		Filename: filename,
		Path:     path,
		Size:     int64(len(content)),
		URL:      fmt.Sprintf("/downloads/%s/%s", id, filename),
	}
	s.registry.Set(id, file, gocache.DefaultExpiration)
	return file, nil
}

// Lookup resolves a registered file by ID.
func (s *Sink) Lookup(id string) (models.SavedFile, bool) {
	v, ok := s.registry.Get(id)
	if !ok {
		return models.SavedFile{}, false
	}
	return v.(models.SavedFile), true
}
