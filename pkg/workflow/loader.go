package workflow

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/hostkeeper/pkg/config"
	"github.com/openfroyo/hostkeeper/pkg/engine"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Library holds the workflow templates: the built-in set plus any found in
// a template directory. A directory template replaces a built-in one with
// the same name.
type Library struct {
	dir    string
	parser *config.CUEParser
	logger zerolog.Logger

	mu        sync.RWMutex
	templates map[string]*Definition
	onReload  []func()
	watcher   *fsnotify.Watcher
}

// NewLibrary loads the built-in templates and those in dir. An empty dir
// loads only the built-ins.
func NewLibrary(dir string, logger zerolog.Logger) (*Library, error) {
	l := &Library{
		dir:    dir,
		parser: config.NewCUEParser(),
		logger: logger.With().Str("component", "workflow-library").Logger(),
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload rereads every template. The previous set stays in place on error.
func (l *Library) Reload() error {
	templates, err := l.loadBuiltins()
	if err != nil {
		return err
	}
	builtins := len(templates)

	if l.dir != "" {
		loaded, err := l.loadDirectory(l.dir)
		if err != nil {
			return err
		}
		for _, def := range loaded {
			if prev, ok := templates[def.Name]; ok && prev.Source != "builtin" {
				return engine.NewConflictError(
					fmt.Sprintf("workflow %s defined twice (%s, %s)", def.Name, prev.Source, def.Source), nil,
				).WithResource(def.Name)
			}
			templates[def.Name] = def
		}
	}

	l.mu.Lock()
	l.templates = templates
	hooks := append([]func(){}, l.onReload...)
	l.mu.Unlock()

	l.logger.Info().
		Int("builtin", builtins).
		Int("total", len(templates)).
		Str("dir", l.dir).
		Msg("Workflow templates loaded")

	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Get returns a template by name.
func (l *Library) Get(name string) (*Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.templates[name]
	return def, ok
}

// List returns every template sorted by name.
func (l *Library) List() []*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Definition, 0, len(l.templates))
	for _, def := range l.templates {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OnReload registers fn to run after every successful reload.
func (l *Library) OnReload(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = append(l.onReload, fn)
}

func (l *Library) loadBuiltins() (map[string]*Definition, error) {
	entries, err := fs.ReadDir(builtinTemplates, "templates")
	if err != nil {
		return nil, fmt.Errorf("failed to read built-in templates: %w", err)
	}
	out := make(map[string]*Definition, len(entries))
	for _, e := range entries {
		name := path.Join("templates", e.Name())
		data, err := builtinTemplates.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		def, err := l.Parse(name, data)
		if err != nil {
			return nil, err
		}
		def.Source = "builtin"
		out[def.Name] = def
	}
	return out, nil
}

// loadDirectory loads every template file directly under dir.
func (l *Library) loadDirectory(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}
	var out []*Definition
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		def, err := l.Parse(p, data)
		if err != nil {
			return nil, err
		}
		def.Source = p
		out = append(out, def)
	}
	return out, nil
}

// Parse decodes and validates one template. The format follows the file
// extension: YAML, JSON or CUE.
func (l *Library) Parse(name string, data []byte) (*Definition, error) {
	var def Definition
	var err error
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(&def); errors.Is(err, io.EOF) {
			err = nil
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&def)
	case ".cue":
		err = l.parser.DecodeSource(name, data, config.SchemaWorkflow, &def)
	default:
		return nil, fmt.Errorf("unsupported template format: %s", name)
	}
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to parse template %s: %v", name, err), err).
			WithCode(engine.ErrCodeValidation).WithResource(name)
	}

	for i := range def.Nodes {
		if len(def.Nodes[i].Desired) == 0 {
			continue
		}
		if def.Nodes[i].Desired, err = engine.Normalize(def.Nodes[i].Desired); err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("template %s node %s: %v", name, def.Nodes[i].ID, err), err).
				WithCode(engine.ErrCodeValidation).WithResource(name)
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func isTemplateFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json", ".cue":
		return true
	default:
		return false
	}
}

// Watch reloads the library when files in its directory change, until ctx
// ends. A failed reload is logged and the previous templates stay active.
func (l *Library) Watch(ctx context.Context) error {
	if l.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}
	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher)

	l.logger.Info().Str("dir", l.dir).Msg("Watching workflow templates")
	return nil
}

func (l *Library) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isTemplateFile(event.Name) {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Workflow template changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.Reload(); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload workflow templates")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}
