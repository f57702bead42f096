package fileops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ygrebnov/loom"
)

func TestWriteRead_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")

	_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		loop := tc.Loop()
		mgr := NewManager(loop)
		loop.SetFileOpsManager(mgr)

		if _, err := loom.AwaitCancellable(tc, mgr.Write(path, []byte("hello"), WriteOptions{})); err != nil {
			return struct{}{}, err
		}
		data, err := loom.AwaitCancellable(tc, mgr.Read(path, ReadOptions{}))
		if err != nil {
			return struct{}{}, err
		}
		require.Equal(t, "hello", string(data))
		return struct{}{}, nil
	})
	require.NoError(t, err)
}

func TestWrite_AtomicUsesRenameio(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atomic.txt")

	_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		loop := tc.Loop()
		mgr := NewManager(loop)
		loop.SetFileOpsManager(mgr)
		return loom.AwaitCancellable(tc, mgr.Write(path, []byte("v1"), WriteOptions{Atomic: true}))
	})
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "v1", string(got))
}

func TestWrite_CreateDirsMakesParent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "child", "f.txt")

	_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		loop := tc.Loop()
		mgr := NewManager(loop)
		loop.SetFileOpsManager(mgr)
		return loom.AwaitCancellable(tc, mgr.Write(path, []byte("x"), WriteOptions{CreateDirs: true}))
	})
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestRead_MissingFileRejects(t *testing.T) {
	dir := t.TempDir()

	_, err := loom.Run(nil, func(tc *loom.Context) ([]byte, error) {
		loop := tc.Loop()
		mgr := NewManager(loop)
		loop.SetFileOpsManager(mgr)
		return loom.AwaitCancellable(tc, mgr.Read(filepath.Join(dir, "missing.txt"), ReadOptions{}))
	})
	require.Error(t, err)
}

func TestExists_ReportsPresenceCorrectly(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.txt")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o644))

	existsBoth, err := loom.Run(nil, func(tc *loom.Context) ([2]bool, error) {
		loop := tc.Loop()
		mgr := NewManager(loop)
		loop.SetFileOpsManager(mgr)

		a, err := loom.AwaitCancellable(tc, mgr.Exists(present))
		if err != nil {
			return [2]bool{}, err
		}
		b, err := loom.AwaitCancellable(tc, mgr.Exists(filepath.Join(dir, "absent.txt")))
		if err != nil {
			return [2]bool{}, err
		}
		return [2]bool{a, b}, nil
	})

	require.NoError(t, err)
	require.True(t, existsBoth[0])
	require.False(t, existsBoth[1])
}

func TestDeleteAndList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.txt"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.txt"), []byte("2"), 0o644))

	names, err := loom.Run(nil, func(tc *loom.Context) ([]string, error) {
		loop := tc.Loop()
		mgr := NewManager(loop)
		loop.SetFileOpsManager(mgr)

		if _, err := loom.AwaitCancellable(tc, mgr.Delete(filepath.Join(dir, "one.txt"))); err != nil {
			return nil, err
		}
		entries, err := loom.AwaitCancellable(tc, mgr.List(dir))
		if err != nil {
			return nil, err
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return names, nil
	})

	require.NoError(t, err)
	require.Equal(t, []string{"two.txt"}, names)
}

func TestWrite_LockSerializesConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locked.txt")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	_, err := loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		loop := tc.Loop()
		mgr := NewManager(loop)
		loop.SetFileOpsManager(mgr)

		p1 := mgr.Write(path, []byte("a"), WriteOptions{Lock: true})
		p2 := mgr.Write(path, []byte("bb"), WriteOptions{Lock: true})

		if _, err := loom.AwaitCancellable(tc, p1); err != nil {
			return struct{}{}, err
		}
		if _, err := loom.AwaitCancellable(tc, p2); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, []string{"a", "bb"}, string(got), "the lock serializes writers; the file holds exactly one writer's full content")
}
