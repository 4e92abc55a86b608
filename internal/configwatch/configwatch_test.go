package configwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_FileWrite_TriggersOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: a\n"), 0o644))

	changed := make(chan struct{}, 8)
	w, err := New(path, false, func() { changed <- struct{}{} }, nil, nil)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	require.NoError(t, os.WriteFile(path, []byte("id: b\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for onChange after file write")
	}
}

func TestWatcher_FileWatch_IgnoresUnrelatedSiblingWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subscriptions.yaml")
	sibling := filepath.Join(dir, "unrelated.txt")
	require.NoError(t, os.WriteFile(path, []byte("subscriptions: []\n"), 0o644))

	changed := make(chan struct{}, 8)
	w, err := New(path, false, func() { changed <- struct{}{} }, nil, nil)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	require.NoError(t, os.WriteFile(sibling, []byte("noise"), 0o644))

	select {
	case <-changed:
		t.Fatal("onChange fired for a write to an unrelated sibling file")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_DirectoryWatch_TriggersOnNewFile(t *testing.T) {
	dir := t.TempDir()

	changed := make(chan struct{}, 8)
	w, err := New(dir, true, func() { changed <- struct{}{} }, nil, nil)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ender3.yaml"), []byte("id: ender3\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for onChange after file creation in watched directory")
	}
}

func TestWatcher_Stop_UnblocksStart(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, true, func() {}, nil, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	require.NoError(t, w.Stop())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop closed the watcher")
	}
}

func TestNew_UnwatchableDirectory_ReturnsError(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "does-not-exist", "profile.yaml"), false, func() {}, nil, nil)
	require.Error(t, err)
}
