// Package integrations handles the credential side of integrations: values
// live in the process environment and an on-disk env file, never in the
// database.
package integrations

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/envoyhq/envoy/internal/store"
)

// Manager persists integration credentials to the env file and keeps the
// live process environment in sync.
type Manager struct {
	envFile string
}

func NewManager(envFile string) *Manager {
	return &Manager{envFile: envFile}
}

// SaveConfig stores posted credential values: keys are filtered to the
// integration's declared schema, empty values dropped, the env file updated
// in place, and the process environment set immediately so the very next
// turn sees the new values.
func (m *Manager) SaveConfig(in *store.Integration, values map[string]string) error {
	declared := make(map[string]bool, len(in.ConfigSchema))
	for _, f := range in.ConfigSchema {
		declared[f.Key] = true
	}

	accepted := make(map[string]string)
	for k, v := range values {
		if !declared[k] || v == "" {
			continue
		}
		accepted[k] = v
	}
	if len(accepted) == 0 {
		return nil
	}

	if err := upsertEnvFile(m.envFile, accepted); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	for k, v := range accepted {
		os.Setenv(k, v)
	}
	slog.Info("integration credentials saved", "integration", in.Name, "keys", len(accepted))
	return nil
}

// Configured reports whether every required key in the schema has a
// non-empty value in the live environment.
func Configured(schema []store.ConfigField) bool {
	for _, f := range schema {
		if f.Required && os.Getenv(f.Key) == "" {
			return false
		}
	}
	return true
}

// MaskedValues returns a display-safe view of each declared key: nil when
// unset, "***" for short values, first3***last3 otherwise.
func MaskedValues(schema []store.ConfigField) map[string]*string {
	out := make(map[string]*string, len(schema))
	for _, f := range schema {
		v := os.Getenv(f.Key)
		if v == "" {
			out[f.Key] = nil
			continue
		}
		masked := Mask(v)
		out[f.Key] = &masked
	}
	return out
}

func Mask(v string) string {
	if len(v) <= 8 {
		return "***"
	}
	return v[:3] + "***" + v[len(v)-3:]
}

// upsertEnvFile rewrites KEY=VALUE lines for the given keys, preserving
// every unrelated line (comments included) exactly as found.
func upsertEnvFile(path string, values map[string]string) error {
	var lines []string
	if data, err := os.ReadFile(path); err == nil {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		if len(lines) == 1 && lines[0] == "" {
			lines = nil
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	remaining := make(map[string]string, len(values))
	for k, v := range values {
		remaining[k] = v
	}

	for i, line := range lines {
		key := envLineKey(line)
		if key == "" {
			continue
		}
		if v, ok := remaining[key]; ok {
			lines[i] = key + "=" + v
			delete(remaining, key)
		}
	}
	// Append keys not already present, in stable order for readability.
	for _, k := range sortedKeys(remaining) {
		lines = append(lines, k+"="+remaining[k])
	}

	content := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(path, []byte(content), 0o600)
}

func envLineKey(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	i := strings.IndexByte(trimmed, '=')
	if i <= 0 {
		return ""
	}
	return strings.TrimSpace(trimmed[:i])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadEnvFile reads the env file into the process environment without
// overriding variables already set by the parent process.
func LoadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		key := envLineKey(line)
		if key == "" {
			continue
		}
		value := strings.TrimSpace(line[strings.IndexByte(line, '=')+1:])
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return nil
}

// Watch reloads the env file into the process environment whenever it is
// edited externally. Blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("env watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	dir := "."
	if i := strings.LastIndexByte(m.envFile, '/'); i >= 0 {
		dir = m.envFile[:i]
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("env watcher: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != m.envFile {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := reloadEnvFile(m.envFile); err != nil {
				slog.Warn("env file reload failed", "error", err)
			} else {
				slog.Info("env file reloaded", "path", m.envFile)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("env watcher error", "error", err)
		}
	}
}

// reloadEnvFile applies the file's values unconditionally; an external edit
// is authoritative for the keys it names.
func reloadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		key := envLineKey(line)
		if key == "" {
			continue
		}
		value := strings.TrimSpace(line[strings.IndexByte(line, '=')+1:])
		value = strings.Trim(value, `"'`)
		os.Setenv(key, value)
	}
	return nil
}
