package nodedef

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/triadflow/triad/pkg/workflow"
)

// ErrDefinitionNotFound is returned when no definition file exists for a name.
var ErrDefinitionNotFound = errors.New("node definition not found")

// scriptExtensions maps a definition language to its companion script
// extension under <defs>/scripts/.
var scriptExtensions = map[string]string{
	"python":     ".py",
	"javascript": ".js",
	"typescript": ".ts",
	"shell":      ".sh",
	"go":         ".go",
}

// Loader reads node definitions from a directory, caches parsed documents,
// and optionally watches the directory to invalidate entries on change.
// Parsing is strict: unknown YAML fields fail the load.
type Loader struct {
	mu    sync.RWMutex
	dir   string
	cache map[string]*Definition

	watcher *fsnotify.Watcher
	done    chan struct{}
	logger  *slog.Logger
}

// NewLoader creates a loader over the given definitions directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:    dir,
		cache:  make(map[string]*Definition),
		logger: logger,
	}
}

// Dir returns the definitions directory.
func (l *Loader) Dir() string { return l.dir }

// Load returns the definition for name, reading and caching it on first use.
func (l *Loader) Load(name string) (*Definition, error) {
	l.mu.RLock()
	def, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return def, nil
	}

	path, err := l.definitionPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", name, err)
	}
	def, err = Parse(data)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", name, err)
	}
	if def.Name != name {
		return nil, fmt.Errorf("definition file %s declares name %q", filepath.Base(path), def.Name)
	}

	l.mu.Lock()
	l.cache[name] = def
	l.mu.Unlock()
	return def, nil
}

// LoadAll parses every definition in the directory and returns them keyed
// by name. Malformed documents fail the whole load.
func (l *Loader) LoadAll() (map[string]*Definition, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions directory: %w", err)
	}
	defs := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		name := strings.TrimSuffix(strings.TrimSuffix(entry.Name(), ".yaml"), ".yml")
		def, err := l.Load(name)
		if err != nil {
			return nil, err
		}
		defs[name] = def
	}
	return defs, nil
}

// RegisterSchemas loads every definition and registers its derived schema,
// so plans can reference self-describing types by name.
func (l *Loader) RegisterSchemas(registry *workflow.SchemaRegistry) error {
	defs, err := l.LoadAll()
	if err != nil {
		return err
	}
	for _, def := range defs {
		registry.Register(def.Schema())
	}
	return nil
}

// ScriptPath returns the companion script path for a code definition.
func (l *Loader) ScriptPath(def *Definition) (string, error) {
	ext, ok := scriptExtensions[def.Language]
	if !ok {
		return "", fmt.Errorf("definition %s: no script extension for language %q", def.Name, def.Language)
	}
	path := filepath.Join(l.dir, "scripts", def.Name+ext)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("definition %s: script %s not found", def.Name, filepath.Base(path))
		}
		return "", err
	}
	return path, nil
}

// Invalidate drops the cached entry for name; the next Load re-reads it.
func (l *Loader) Invalidate(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, name)
}

// Watch starts invalidating cache entries when definition files change on
// disk. Stop the loader with Close.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create definitions watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch definitions directory: %w", err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watchLoop()
	return nil
}

// Close stops the watcher, if any.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	return l.watcher.Close()
}

func (l *Loader) watchLoop() {
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Remove) {
				continue
			}
			base := filepath.Base(event.Name)
			if !isYAML(base) {
				continue
			}
			name := strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
			l.Invalidate(name)
			l.logger.Info("node definition changed, cache invalidated",
				"definition", name, "op", event.Op.String())
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("definitions watcher error", "error", err)
		}
	}
}

func (l *Loader) definitionPath(name string) (string, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(l.dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
}

// Parse decodes one definition document, rejecting unknown fields.
func Parse(data []byte) (*Definition, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var def Definition
	if err := decoder.Decode(&def); err != nil {
		return nil, fmt.Errorf("cannot parse YAML: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
