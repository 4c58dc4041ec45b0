package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/kiln/internal/render"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func watchedIndex(t *testing.T) (string, *Index) {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	idx := New(root, render.NewEngine(), WithLogger(logger))
	if err := idx.Rescan(); err != nil {
		t.Fatal(err)
	}
	return root, idx
}

func TestWatcher_NewTemplateIndexed(t *testing.T) {
	root, idx := watchedIndex(t)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rescans atomic.Int32
	go Watch(ctx, idx, logger, func(int) { rescans.Add(1) })
	time.Sleep(100 * time.Millisecond)

	writeTemplate(t, root, "new.tmpl", "---\nto: new.txt\n---\nhi\n")

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, ok := idx.Get("new")
		return ok
	}, "new template not indexed by watcher")

	if rescans.Load() == 0 {
		t.Error("expected rescan callback")
	}
}

func TestWatcher_NewDirWatched(t *testing.T) {
	root, idx := watchedIndex(t)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Watch(ctx, idx, logger, nil)
	time.Sleep(100 * time.Millisecond)

	subDir := filepath.Join(root, "component")
	_ = os.MkdirAll(subDir, 0o755)
	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(subDir, "deep.tmpl"), []byte("---\nto: deep.txt\n---\n"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, ok := idx.Get("component/deep")
		return ok
	}, "template in new subdir not indexed by watcher")
}

func TestWatcher_DeleteRemovesFromIndex(t *testing.T) {
	root, idx := watchedIndex(t)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	writeTemplate(t, root, "del.tmpl", "---\nto: del.txt\n---\n")
	if err := idx.Rescan(); err != nil {
		t.Fatal(err)
	}
	if _, ok := idx.Get("del"); !ok {
		t.Fatal("precondition: template should be indexed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Watch(ctx, idx, logger, nil)
	time.Sleep(100 * time.Millisecond)

	_ = os.Remove(filepath.Join(root, "del.tmpl"))

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, ok := idx.Get("del")
		return !ok
	}, "deleted template still in index")
}

func TestWatcher_RenameReconciles(t *testing.T) {
	root, idx := watchedIndex(t)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	writeTemplate(t, root, "old.tmpl", "---\nto: x.txt\n---\n")
	if err := idx.Rescan(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Watch(ctx, idx, logger, nil)
	time.Sleep(100 * time.Millisecond)

	_ = os.Rename(filepath.Join(root, "old.tmpl"), filepath.Join(root, "renamed.tmpl"))

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, oldOK := idx.Get("old")
		_, newOK := idx.Get("renamed")
		return !oldOK && newOK
	}, "rename: old id should be gone and new id indexed")
}
