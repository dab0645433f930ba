package policy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// GatePackage is the namespace every gate file's package must live in.
// The built-in policies use kidneyflow.evaluation.
const GatePackage = "kidneyflow.gates"

// reloadDelay folds a burst of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// GateError reports a gate file that cannot be used.
type GateError struct {
	Path string
	Err  error
}

func (e *GateError) Error() string {
	return fmt.Sprintf("gate %s: %v", e.Path, e.Err)
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// SampleInput is the input every gate is dry-run against when it loads.
// It has the shape the evaluation stage produces.
func SampleInput() Input {
	return Input{
		Score:     Score{Loss: 0.41, Accuracy: 0.86},
		Threshold: 0.8,
		Params: map[string]interface{}{
			"EPOCHS":        10,
			"BATCH_SIZE":    16,
			"LEARNING_RATE": 0.01,
			"IMAGE_SIZE":    []interface{}{224, 224, 3},
		},
		Model:     "artifacts/training/model.h5",
		Timestamp: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
	}
}

// Loader reads evaluation gates. A gate is a .rego file whose package
// lives under GatePackage and defines a deny set.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a gate loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "gate-loader").Logger(),
	}
}

// Load reads the gates in paths. A directory contributes every .rego file
// below it. Any broken gate fails the whole load, as do two gates with
// the same name.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	var gates []Policy
	sources := make(map[string]string)

	for _, root := range paths {
		files, err := gateFiles(root)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			gate, err := l.readGate(ctx, file)
			if err != nil {
				return nil, err
			}
			if prev, dup := sources[gate.Name]; dup {
				return nil, &GateError{Path: file, Err: fmt.Errorf("name %q is already taken by %s", gate.Name, prev)}
			}
			sources[gate.Name] = file
			gates = append(gates, *gate)
		}
	}

	l.logger.Debug().
		Int("gates", len(gates)).
		Strs("paths", paths).
		Msg("Gate policies loaded")
	return gates, nil
}

func gateFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("gate path %s: %w", root, err)
	}
	if !info.IsDir() {
		if !isGateFile(root) {
			return nil, &GateError{Path: root, Err: errors.New("gate files must end in .rego")}
		}
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isGateFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}

func isGateFile(path string) bool {
	return filepath.Ext(path) == ".rego"
}

// readGate parses a gate file and dry-runs its deny rule.
func (l *Loader) readGate(ctx context.Context, path string) (*Policy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &GateError{Path: path, Err: err}
	}
	module, err := ast.ParseModule(path, string(src))
	if err != nil {
		return nil, &GateError{Path: path, Err: err}
	}
	if module == nil {
		return nil, &GateError{Path: path, Err: errors.New("empty module")}
	}

	pkg := strings.TrimPrefix(module.Package.Path.String(), "data.")
	if pkg != GatePackage && !strings.HasPrefix(pkg, GatePackage+".") {
		return nil, &GateError{Path: path, Err: fmt.Errorf("package %s is outside %s", pkg, GatePackage)}
	}
	if !definesDeny(module) {
		return nil, &GateError{Path: path, Err: errors.New("no deny rule")}
	}
	if err := dryRun(ctx, path, string(src), pkg); err != nil {
		return nil, &GateError{Path: path, Err: err}
	}

	gate := &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: leadingComment(module),
		Rego:        string(src),
		Severity:    SeverityError,
		Enabled:     true,
		Metadata: map[string]interface{}{
			"source":  path,
			"package": pkg,
		},
	}
	l.logger.Debug().Str("gate", gate.Name).Str("package", pkg).Msg("Gate loaded")
	return gate, nil
}

func definesDeny(m *ast.Module) bool {
	deny := ast.VarTerm("deny")
	for _, r := range m.Rules {
		if ref := r.Head.Ref(); len(ref) > 0 && ref[0].Equal(deny) {
			return true
		}
	}
	return false
}

// dryRun evaluates the deny rule against SampleInput. The rule must
// yield a set.
func dryRun(ctx context.Context, name, src, pkg string) error {
	rs, err := rego.New(
		rego.Module(name, src),
		rego.Query("data."+pkg+".deny"),
		rego.Input(SampleInput()),
	).Eval(ctx)
	if err != nil {
		return fmt.Errorf("deny fails on a sample evaluation: %w", err)
	}
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		if _, ok := r.Expressions[0].Value.([]interface{}); !ok {
			return fmt.Errorf("deny must be a set, got %T", r.Expressions[0].Value)
		}
	}
	return nil
}

// leadingComment joins the comment lines above the package clause.
func leadingComment(m *ast.Module) string {
	var lines []string
	for _, c := range m.Comments {
		if c.Location == nil || m.Package.Location == nil || c.Location.Row >= m.Package.Location.Row {
			break
		}
		if text := strings.TrimSpace(string(c.Text)); text != "" {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, " ")
}

// Watch reloads the gates in paths after each burst of .rego changes and
// passes them to apply. A failed reload is logged and apply is not
// called. Watch returns once the watcher is installed; watching stops
// when ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create gate watcher: %w", err)
	}
	for _, root := range paths {
		l.add(w, root)
	}

	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()

	go l.watch(ctx, w, paths, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching gate policies")
	return nil
}

// add watches a gate file, or every directory below a gate directory.
func (l *Loader) add(w *fsnotify.Watcher, root string) {
	info, err := os.Stat(root)
	if err != nil {
		l.logger.Warn().Err(err).Str("path", root).Msg("Gate path not watched")
		return
	}
	if !info.IsDir() {
		if err := w.Add(root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Gate file not watched")
		}
		return
	}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return w.Add(path)
	})
	if err != nil {
		l.logger.Warn().Err(err).Str("path", root).Msg("Gate directory not fully watched")
	}
}

func (l *Loader) watch(ctx context.Context, w *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
		_ = w.Close()
	}()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&relevant == 0 || !isGateFile(ev.Name) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Gate file changed")
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDelay, func() { l.reload(ctx, paths, apply) })

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Gate watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) {
	gates, err := l.Load(ctx, paths)
	if err != nil {
		l.logger.Error().Err(err).Msg("Gate reload failed, previous gates stay in effect")
		return
	}
	if err := apply(gates); err != nil {
		l.logger.Error().Err(err).Msg("Failed to apply reloaded gates")
		return
	}
	l.logger.Info().Int("gates", len(gates)).Msg("Gate policies reloaded")
}

// StopWatching stops the watcher started by Watch.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
