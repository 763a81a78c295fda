package filecache

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCache_SetGetRemove(t *testing.T) {
	c := New(Options{})

	in := &FileModel{ID: "ignored", Text: "hello", Buffer: []byte("hello"), Handle: 7}
	c.Set("/tmp/a.txt", in)

	got, ok := c.Get("/tmp/a.txt")
	if !ok {
		t.Fatal("Get returned not ok after Set")
	}
	if got.ID != "/tmp/a.txt" {
		t.Errorf("ID = %q, want canonical path", got.ID)
	}
	if got.Text != in.Text || !bytes.Equal(got.Buffer, in.Buffer) || got.Handle != in.Handle {
		t.Errorf("Get = %+v, want fields of %+v", got, in)
	}

	// The cache holds its own copy.
	in.Text = "mutated"
	got, _ = c.Get("/tmp/a.txt")
	if got.Text != "hello" {
		t.Errorf("cached text changed through caller's model: %q", got.Text)
	}

	if !c.Remove("/tmp/a.txt") {
		t.Error("Remove returned false for a cached path")
	}
	if _, ok := c.Get("/tmp/a.txt"); ok {
		t.Error("Get returned a model after Remove")
	}
	if c.Remove("/tmp/a.txt") {
		t.Error("second Remove returned true")
	}
}

func TestCache_CanonicalKeys(t *testing.T) {
	c := New(Options{})
	c.Set("/tmp/dir/../my%20file.txt", &FileModel{Text: "x"})

	for _, p := range []string{"/tmp/my file.txt", "/tmp/./my%20file.txt", "/tmp//my file.txt"} {
		if _, ok := c.Get(p); !ok {
			t.Errorf("Get(%q) missed", p)
		}
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want one model per canonical path", c.Len())
	}

	if _, err := Canonical(""); err == nil {
		t.Error("Canonical accepted an empty path")
	}
	rel, err := Canonical("a/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(rel) {
		t.Errorf("Canonical(relative) = %q, want absolute", rel)
	}
}

func TestCache_UpdateBaseline(t *testing.T) {
	c := New(Options{})
	c.Set("/w/a", &FileModel{Text: "A"})
	c.Set("/w/b", &FileModel{Text: "A", Buffer: []byte("A")})

	if !c.UpdateBaseline("/w/a", "B") {
		t.Fatal("UpdateBaseline returned false")
	}
	m, _ := c.Get("/w/a")
	if m.Text != "B" {
		t.Errorf("Text = %q, want B", m.Text)
	}

	c.UpdateBaseline("/w/b", "BB")
	m, _ = c.Get("/w/b")
	if string(m.Buffer) != "BB" {
		t.Errorf("Buffer = %q, want BB", m.Buffer)
	}
	if c.Size() != int64(len("B")+len("BB")*2) {
		t.Errorf("Size = %d", c.Size())
	}

	if c.UpdateBaseline("/w/missing", "x") {
		t.Error("UpdateBaseline returned true for a missing path")
	}
}

func TestCache_LRUEviction(t *testing.T) {
	var evicted []string
	c := New(Options{
		MaxEntries: 2,
		OnEvict:    func(m *FileModel) { evicted = append(evicted, m.ID) },
	})

	c.Set("/w/a", &FileModel{Text: "a"})
	c.Set("/w/b", &FileModel{Text: "b"})
	c.Get("/w/a") // b is now least recently used
	c.Set("/w/c", &FileModel{Text: "c"})

	if _, ok := c.Get("/w/b"); ok {
		t.Error("least recently used model was not evicted")
	}
	if len(evicted) != 1 || evicted[0] != "/w/b" {
		t.Errorf("evicted = %v, want [/w/b]", evicted)
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d", c.Stats().Evictions)
	}
}

func TestCache_PinnedNeverEvicted(t *testing.T) {
	c := New(Options{MaxEntries: 1})

	c.Set("/w/active", &FileModel{Text: "x"})
	if err := c.Pin("/w/active"); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	c.Set("/w/other", &FileModel{Text: "y"})
	c.Set("/w/third", &FileModel{Text: "z"})

	if _, ok := c.Get("/w/active"); !ok {
		t.Fatal("pinned model was evicted")
	}
	if _, ok := c.Get("/w/other"); ok {
		t.Error("unpinned model should have made room")
	}
	if _, ok := c.Get("/w/third"); !ok {
		t.Error("model just stored should be kept")
	}

	// Unpinning lets the cache shrink back to its bound.
	if err := c.Unpin("/w/active"); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("Len after Unpin = %d, want 1", c.Len())
	}

	if err := c.Pin("/w/missing"); !errors.Is(err, ErrNotCached) {
		t.Errorf("Pin(missing) = %v, want ErrNotCached", err)
	}
}

func TestCache_MaxBytes(t *testing.T) {
	c := New(Options{MaxBytes: 10})
	c.Set("/w/a", &FileModel{Text: "12345"})
	c.Set("/w/b", &FileModel{Text: "12345"})
	c.Set("/w/c", &FileModel{Text: "123"})

	if c.Size() > 10 {
		t.Errorf("Size = %d exceeds MaxBytes", c.Size())
	}
	if _, ok := c.Get("/w/a"); ok {
		t.Error("oldest model should be evicted by size")
	}
	if got := c.Keys(); len(got) != 2 || got[0] != "/w/c" {
		t.Errorf("Keys = %v", got)
	}
}

func TestCache_GetOrLoadDedup(t *testing.T) {
	c := New(Options{})
	var calls atomic.Int32
	release := make(chan struct{})

	load := func(ctx context.Context) (*FileModel, error) {
		calls.Add(1)
		<-release
		return &FileModel{Text: "loaded"}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]*FileModel, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrLoad(context.Background(), "/w/p", load)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("loader ran %d times, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].Text != "loaded" || results[i].ID != "/w/p" {
			t.Errorf("caller %d got %+v", i, results[i])
		}
	}

	// Later calls are cache hits.
	if _, err := c.GetOrLoad(context.Background(), "/w/p", load); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Error("cached model was loaded again")
	}
	if c.Stats().Loads != 1 {
		t.Errorf("Loads = %d", c.Stats().Loads)
	}
}

func TestCache_GetOrLoadErrorCachesNothing(t *testing.T) {
	c := New(Options{})
	boom := errors.New("boom")

	_, err := c.GetOrLoad(context.Background(), "/w/p", func(ctx context.Context) (*FileModel, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, ok := c.Get("/w/p"); ok {
		t.Error("failed load left a model in the cache")
	}

	m, err := c.GetOrLoad(context.Background(), "/w/p", func(ctx context.Context) (*FileModel, error) {
		return &FileModel{Text: "ok"}, nil
	})
	if err != nil || m.Text != "ok" {
		t.Errorf("retry after failure = %+v, %v", m, err)
	}
}

func TestCache_GetOrLoadCallerCancel(t *testing.T) {
	c := New(Options{})
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrLoad(ctx, "/w/p", func(ctx context.Context) (*FileModel, error) {
		<-release
		return &FileModel{Text: "late"}, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCache_RemoveDuringLoad(t *testing.T) {
	c := New(Options{})
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan *FileModel)
	go func() {
		m, _ := c.GetOrLoad(context.Background(), "/w/p", func(ctx context.Context) (*FileModel, error) {
			close(started)
			<-release
			return &FileModel{Text: "stale"}, nil
		})
		done <- m
	}()

	<-started
	c.Remove("/w/p")
	close(release)

	if m := <-done; m == nil || m.Text != "stale" {
		t.Errorf("loader result = %+v", m)
	}
	if _, ok := c.Get("/w/p"); ok {
		t.Error("load finishing after Remove must not repopulate the cache")
	}
}

func TestCache_RemoveOtherPathDuringLoad(t *testing.T) {
	c := New(Options{})
	c.Set("/w/b", &FileModel{Text: "b"})
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error)
	go func() {
		_, err := c.GetOrLoad(context.Background(), "/w/a", func(ctx context.Context) (*FileModel, error) {
			close(started)
			<-release
			return &FileModel{Text: "a"}, nil
		})
		done <- err
	}()

	<-started
	c.Remove("/w/b")
	c.Remove("/w/never-cached")
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if m, ok := c.Get("/w/a"); !ok || m.Text != "a" {
		t.Errorf("/w/a should be cached after its load, got %+v", m)
	}
	if err := c.Pin("/w/a"); err != nil {
		t.Errorf("Pin: %v", err)
	}
	if c.Stats().Loads != 1 {
		t.Errorf("loads = %d, want 1", c.Stats().Loads)
	}
}

func TestCache_ClearDuringLoad(t *testing.T) {
	c := New(Options{})
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan struct{})
	go func() {
		c.GetOrLoad(context.Background(), "/w/a", func(ctx context.Context) (*FileModel, error) {
			close(started)
			<-release
			return &FileModel{Text: "a"}, nil
		})
		close(done)
	}()

	<-started
	c.Clear()
	close(release)
	<-done

	if _, ok := c.Get("/w/a"); ok {
		t.Error("load finishing after Clear must not repopulate the cache")
	}
}

func TestCache_ClearKeepsPinned(t *testing.T) {
	c := New(Options{})
	c.Set("/w/a", &FileModel{Text: "a"})
	c.Set("/w/b", &FileModel{Text: "b"})
	c.Pin("/w/a")

	if n := c.Clear(); n != 1 {
		t.Errorf("Clear = %d, want 1", n)
	}
	if !c.IsPinned("/w/a") {
		t.Error("pinned model was cleared")
	}
}

func TestFileModel_Digest(t *testing.T) {
	a := &FileModel{Text: "same"}
	b := &FileModel{Text: "same"}
	d := &FileModel{Text: "different"}
	if a.Digest() != b.Digest() {
		t.Error("equal text should have equal digests")
	}
	if a.Digest() == d.Digest() {
		t.Error("different text should have different digests")
	}
	if len(a.Digest()) != 64 {
		t.Errorf("digest length = %d", len(a.Digest()))
	}
}
