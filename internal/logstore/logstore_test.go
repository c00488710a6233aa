package logstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalArchiver(t *testing.T) {
	logsDir := t.TempDir()
	archiveDir := t.TempDir()
	a := &localArchiver{logsDir: logsDir, archiveDir: archiveDir}

	jobName := "team/mnist.builds.1"
	srcPath := filepath.Join(logsDir, jobName+".log")
	require.NoError(t, os.MkdirAll(filepath.Dir(srcPath), 0o755))
	require.NoError(t, os.WriteFile(srcPath, []byte("step 1 done\n"), 0o644))

	dst, err := a.Archive(context.Background(), jobName)
	require.NoError(t, err)
	require.NotEmpty(t, dst)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "step 1 done\n", string(data))
}

func TestLocalArchiver_MissingLogIsNotAnError(t *testing.T) {
	a := &localArchiver{logsDir: t.TempDir(), archiveDir: t.TempDir()}

	dst, err := a.Archive(context.Background(), "team/mnist.builds.99")
	require.NoError(t, err)
	assert.Empty(t, dst)
}
