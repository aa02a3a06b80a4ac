package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatchFile_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.toml")
	if err := os.WriteFile(path, []byte("[server]\naddr = \":9000\"\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	var mu sync.Mutex
	var got []Config
	w, err := WatchFile(path, func(cfg Config) {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
	}, WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("WatchFile() error = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("[server]\naddr = \":9100\"\n"), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("expected a reload after rewrite")
	}
	if got[len(got)-1].Server.Addr != ":9100" {
		t.Errorf("Addr = %q, want :9100", got[len(got)-1].Server.Addr)
	}
}

func TestWatchFile_InvalidRevisionIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.toml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	var mu sync.Mutex
	reloads := 0
	w, err := WatchFile(path, func(Config) {
		mu.Lock()
		reloads++
		mu.Unlock()
	}, WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("WatchFile() error = %v", err)
	}
	defer w.Close()

	// A revision that fails validation must not reach the callback.
	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"verbose\"\n"), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if reloads != 0 {
		t.Errorf("reloads = %d, want 0 for invalid revision", reloads)
	}
}

func TestWatchFile_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beacon.toml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	var mu sync.Mutex
	reloads := 0
	w, err := WatchFile(path, func(Config) {
		mu.Lock()
		reloads++
		mu.Unlock()
	}, WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("WatchFile() error = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("writing sibling: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if reloads != 0 {
		t.Errorf("reloads = %d, want 0 for sibling file change", reloads)
	}
}
