package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatch_CallsBackOnChange(t *testing.T) {
	WatchDebounce = 20 * time.Millisecond
	t.Cleanup(func() { WatchDebounce = 300 * time.Millisecond })

	root := writeProject(t, testStructural, testParams)
	params := filepath.Join(root, DefaultParamsPath)
	unrelated := filepath.Join(root, "yamlfile", "notes.txt")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, []string{filepath.Join(root, DefaultStructuralPath), params}, func() {
			changed <- struct{}{}
		})
	}()

	// Writes repeat until the watcher is registered and reports one.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for fired := false; !fired; {
		select {
		case <-changed:
			fired = true
		case <-tick.C:
			require.NoError(t, os.WriteFile(unrelated, []byte("x"), 0o644))
			require.NoError(t, os.WriteFile(params, []byte(testParams+"SEED: 1\n"), 0o644))
		case <-deadline:
			t.Fatal("no change reported")
		}
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancellation")
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), []string{filepath.Join(t.TempDir(), "absent", "config.yaml")}, func() {})
	require.Error(t, err)
}
