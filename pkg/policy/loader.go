package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/actuator/pkg/engine"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// RuleLoader serves tenant rule sets from a directory. Each file is named
// after its tenant: <tenant>.yaml, <tenant>.yml or <tenant>.json.
type RuleLoader struct {
	dir      string
	validate *validator.Validate
	logger   zerolog.Logger

	mu      sync.RWMutex
	rules   map[string]RuleSet
	watcher *fsnotify.Watcher
}

// NewRuleLoader creates a loader for dir and loads it once.
func NewRuleLoader(dir string, logger zerolog.Logger) (*RuleLoader, error) {
	l := &RuleLoader{
		dir:      dir,
		validate: validator.New(),
		logger:   logger.With().Str("component", "rule-loader").Logger(),
		rules:    make(map[string]RuleSet),
	}

	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// RulesFor implements RuleSource.
func (l *RuleLoader) RulesFor(ctx context.Context, tenantID string) (RuleSet, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rs, ok := l.rules[tenantID]
	return rs, ok, nil
}

// Tenants returns the tenants with a rule set.
func (l *RuleLoader) Tenants() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tenants := make([]string, 0, len(l.rules))
	for t := range l.rules {
		tenants = append(tenants, t)
	}
	return tenants
}

// Reload reads every rule file in the directory. On any error the
// previously loaded rules stay in effect.
func (l *RuleLoader) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read rules directory: %w", err)
	}

	rules := make(map[string]RuleSet)
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		rs, err := l.loadFile(path)
		if err != nil {
			return fmt.Errorf("failed to load rules from %s: %w", path, err)
		}

		tenant := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		rules[tenant] = rs
	}

	l.mu.Lock()
	l.rules = rules
	l.mu.Unlock()

	l.logger.Info().
		Int("tenants", len(rules)).
		Str("dir", l.dir).
		Msg("Tenant rules loaded")

	return nil
}

func (l *RuleLoader) loadFile(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("failed to read file: %w", err)
	}

	var rs RuleSet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &rs)
	default:
		err = yaml.Unmarshal(data, &rs)
	}
	if err != nil {
		return RuleSet{}, fmt.Errorf("failed to parse rule set: %w", err)
	}

	if err := l.validate.Struct(rs); err != nil {
		return RuleSet{}, fmt.Errorf("invalid rule set: %w", err)
	}
	return rs, nil
}

// Watch reloads the rules whenever a rule file changes, until ctx is done.
func (l *RuleLoader) Watch(ctx context.Context) error {
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

	l.logger.Info().Str("dir", l.dir).Msg("Started watching tenant rules")
	return nil
}

// processEvents processes file system events and triggers reloads.
func (l *RuleLoader) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isRuleFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Rule file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.Reload(); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload tenant rules, keeping previous rules")
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

// StopWatching stops watching for file changes.
func (l *RuleLoader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}

func isRuleFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

// LoadPolicyFiles loads .rego policies from files or directories.
func LoadPolicyFiles(paths []string) ([]Policy, error) {
	var policies []Policy

	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".rego") {
				return nil
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}
			policies = append(policies, parseRegoFile(path, data))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
		}
	}

	return policies, nil
}

// parseRegoFile parses a .rego file into a Policy.
func parseRegoFile(filePath string, data []byte) Policy {
	name := strings.TrimSuffix(filepath.Base(filePath), ".rego")

	return Policy{
		Name:        name,
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    engine.SeverityWarning,
		Enabled:     true,
		Tags:        []string{"custom"},
	}
}

// extractDescription extracts description from leading Rego comments.
func extractDescription(content string) string {
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" && !strings.HasPrefix(comment, "package") {
				if description.Len() > 0 {
					description.WriteString(" ")
				}
				description.WriteString(comment)
			}
		} else if trimmed != "" && description.Len() > 0 {
			// Stop at first non-comment, non-empty line
			break
		}
	}

	return description.String()
}
