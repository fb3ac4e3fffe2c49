// Package testutil provides shared test helpers for fixture files.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFile writes body to name inside a fresh temp directory and returns
// the full path.
func WriteFile(t testing.TB, name, body string) string {
	t.Helper()
	return WriteFiles(t, map[string]string{name: body})[name]
}

// WriteFiles writes each name/body pair into one fresh temp directory and
// returns the full path of each file keyed by name.
func WriteFiles(t testing.TB, files map[string]string) map[string]string {
	t.Helper()
	dir := t.TempDir()
	paths := make(map[string]string, len(files))
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir for %s: %v", name, err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		paths[name] = path
	}
	return paths
}
