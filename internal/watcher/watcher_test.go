package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

func startWatcher(t *testing.T, root string, opts Options) <-chan protocol.FileChangedEvent {
	t.Helper()
	events := make(chan protocol.FileChangedEvent, 16)
	opts.Debounce = 50 * time.Millisecond
	opts.OnEvent = func(ev protocol.FileChangedEvent) { events <- ev }

	w, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Add(root); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return events
}

func waitFor(t *testing.T, events <-chan protocol.FileChangedEvent, match func(protocol.FileChangedEvent) bool) protocol.FileChangedEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestWatcherDetectsCreateAndDelete(t *testing.T) {
	root := t.TempDir()
	events := startWatcher(t, root, Options{})

	path := filepath.Join(root, "new.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	ev := waitFor(t, events, func(ev protocol.FileChangedEvent) bool { return ev.Path == path })
	if ev.Type != EventCreate {
		t.Errorf("expected create, got %s", ev.Type)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	ev = waitFor(t, events, func(ev protocol.FileChangedEvent) bool { return ev.Path == path })
	if ev.Type != EventDelete {
		t.Errorf("expected delete, got %s", ev.Type)
	}
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	events := startWatcher(t, root, Options{})

	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	waitFor(t, events, func(ev protocol.FileChangedEvent) bool { return ev.Path == sub })

	inner := filepath.Join(sub, "inner.txt")
	if err := os.WriteFile(inner, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, events, func(ev protocol.FileChangedEvent) bool { return ev.Path == inner })
}

func TestWatcherSuppress(t *testing.T) {
	root := t.TempDir()
	events := startWatcher(t, root, Options{
		Suppress: func(p string) bool { return strings.HasSuffix(p, ".quiet") },
	})

	if err := os.WriteFile(filepath.Join(root, "a.quiet"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	loud := filepath.Join(root, "b.txt")
	if err := os.WriteFile(loud, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	ev := waitFor(t, events, func(ev protocol.FileChangedEvent) bool { return true })
	if ev.Path != loud {
		t.Errorf("expected only %s, got event for %s", loud, ev.Path)
	}
}

func TestWatcherIgnore(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	events := startWatcher(t, root, Options{Ignore: []string{".git"}})

	if err := os.WriteFile(filepath.Join(root, ".git", "index"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	visible := filepath.Join(root, "main.go")
	if err := os.WriteFile(visible, []byte("package main"), 0644); err != nil {
		t.Fatal(err)
	}

	ev := waitFor(t, events, func(ev protocol.FileChangedEvent) bool { return true })
	if ev.Path != visible {
		t.Errorf("ignored directory leaked event for %s", ev.Path)
	}
}
