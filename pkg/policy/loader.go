package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Team policy files. Rego files whose name ends in _test.rego hold OPA unit
// tests and are never loaded as policies.
const (
	regoExt     = ".rego"
	jsonExt     = ".json"
	regoTestExt = "_test.rego"
)

// Header directives recognised in the leading comment block of a .rego file:
//
//	# severity: warning
//	# tags: production, deploy
const (
	directiveSeverity = "severity:"
	directiveTags     = "tags:"
)

// Loader reads team policies from .rego and .json files and reloads them when
// they change on disk.
type Loader struct {
	// ReloadDelay debounces bursts of file events into one reload.
	ReloadDelay time.Duration

	logger zerolog.Logger

	mu      sync.RWMutex
	cache   map[string]*Policy
	watcher *fsnotify.Watcher
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		ReloadDelay: 500 * time.Millisecond,
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		cache:       make(map[string]*Policy),
	}
}

// LoadFromPaths loads every policy under paths. A path may be a policy file
// or a directory, which is searched recursively.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", p, err)
		}

		if !info.IsDir() {
			policy, err := l.loadFromFile(ctx, p)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", p, err)
			}
			policies = append(policies, *policy)
			continue
		}

		found, err := l.loadFromDirectory(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", p, err)
		}
		policies = append(policies, found...)
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Team policies loaded")
	return policies, nil
}

// loadFromDirectory loads the policy files below dir. Hidden directories are
// skipped, and a file that fails to load is logged and skipped so one broken
// team policy cannot disable the others.
func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var policies []Policy
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isPolicyFile(p) {
			return nil
		}

		policy, err := l.loadFromFile(ctx, p)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Skipping policy file")
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func isPolicyFile(p string) bool {
	if strings.HasSuffix(p, regoTestExt) {
		return false
	}
	return strings.HasSuffix(p, regoExt) || strings.HasSuffix(p, jsonExt)
}

// loadFromFile loads one policy, serving repeated loads from the cache until
// the watcher sees the file change.
func (l *Loader) loadFromFile(_ context.Context, p string) (*Policy, error) {
	l.mu.RLock()
	cached, ok := l.cache[p]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch {
	case strings.HasSuffix(p, regoExt):
		policy = l.parseRego(p, string(data))
	case strings.HasSuffix(p, jsonExt):
		if policy, err = parseJSONPolicy(p, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", p)
	}

	l.mu.Lock()
	l.cache[p] = policy
	l.mu.Unlock()

	l.logger.Debug().Str("path", p).Str("policy", policy.Name).Str("severity", string(policy.Severity)).Msg("Policy loaded")
	return policy, nil
}

// parseRego turns a .rego file into a policy named after the file. The
// leading comment block supplies the description and header directives.
func (l *Loader) parseRego(p, content string) *Policy {
	policy := &Policy{
		Name:        strings.TrimSuffix(filepath.Base(p), regoExt),
		Description: l.extractDescription(content),
		Rego:        content,
		Severity:    SeverityError,
		Enabled:     true,
		Source:      p,
		UpdatedAt:   time.Now(),
	}

	for _, line := range headerComments(content) {
		switch {
		case strings.HasPrefix(line, directiveSeverity):
			sev := Severity(strings.TrimSpace(strings.TrimPrefix(line, directiveSeverity)))
			if !sev.Valid() {
				l.logger.Warn().Str("path", p).Str("severity", string(sev)).Msg("Unknown policy severity, using error")
				continue
			}
			policy.Severity = sev
		case strings.HasPrefix(line, directiveTags):
			for _, tag := range strings.Split(strings.TrimPrefix(line, directiveTags), ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					policy.Tags = append(policy.Tags, tag)
				}
			}
		}
	}
	return policy
}

func parseJSONPolicy(p string, data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if policy.Name == "" {
		return nil, fmt.Errorf("JSON policy %s has no name", p)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = time.Now()
	}
	policy.Source = p
	return &policy, nil
}

// headerComments returns the text of the first run of comment lines, which
// may follow the package clause.
func headerComments(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" && len(lines) > 0 {
				break
			}
			continue
		}
		if text := strings.TrimSpace(strings.TrimPrefix(trimmed, "#")); text != "" {
			lines = append(lines, text)
		}
	}
	return lines
}

// extractDescription joins the header comments that are not directives.
func (l *Loader) extractDescription(content string) string {
	var parts []string
	for _, line := range headerComments(content) {
		if strings.HasPrefix(line, directiveSeverity) || strings.HasPrefix(line, directiveTags) || strings.HasPrefix(line, "package") {
			continue
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, " ")
}

// Watch reloads the policies under paths whenever a policy file is written,
// created, removed or renamed, and hands the result to reloadFn. Watching
// stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	for _, p := range paths {
		if err := l.watchTree(watcher, p); err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Cannot watch policy path")
		}
	}

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching team policies")
	return nil
}

// watchTree adds p, and every directory below it, to the watcher; fsnotify
// does not recurse.
func (l *Loader) watchTree(watcher *fsnotify.Watcher, p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(p)
	}
	return filepath.WalkDir(p, func(sub string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(sub)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			// new team directories are picked up as they appear
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := l.watchTree(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Cannot watch new policy directory")
					}
					continue
				}
			}
			if !isPolicyFile(event.Name) {
				continue
			}

			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.ReloadDelay, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload team policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Team policies reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	watcher := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

// ClearCache drops every cached policy.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*Policy)
	l.mu.Unlock()
}
