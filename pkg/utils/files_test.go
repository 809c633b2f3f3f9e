package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPathInfo(t *testing.T) {
	dir := t.TempDir()
	full, parent, err := GetPathInfo(filepath.Join(dir, "sub", "..", "prog.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "prog.yaml"), full)
	assert.Equal(t, dir, parent)
}

func TestReadWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, WriteOutput(path, []byte("ret\n")))

	data, parent, err := ReadInput(path)
	require.NoError(t, err)
	assert.Equal(t, "ret\n", string(data))
	assert.Equal(t, dir, parent)

	_, _, err = ReadInput(filepath.Join(dir, "missing"))
	assert.True(t, os.IsNotExist(err))
}
