package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccvm/pkg/vm"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, ModeStatic, c.Link.Mode)
	assert.Equal(t, "main", c.Link.Entry)
	assert.True(t, c.Compile.StrictMerge)
	assert.Equal(t, vm.DefaultConfig(), c.Machine())
	assert.Nil(t, c.LogFile())
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
[compile]
strict_merge = false
merge_blocks = true

[link]
mode = "dynamic"
entry = "start"

[vm]
cycle_cap = 500

[log]
verbosity = 2
file = "ccvm.log"
`))
	require.NoError(t, err)

	opts := c.CompilerOptions()
	assert.False(t, opts.StrictMerge)
	assert.True(t, opts.MergeBlocks)
	assert.Equal(t, "start", opts.Entry)
	assert.Equal(t, ModeDynamic, c.Link.Mode)

	m := c.Machine()
	assert.Equal(t, 500, m.CycleCap)
	assert.Equal(t, vm.DefaultConfig().StackTop, m.StackTop, "unset keys keep their defaults")

	require.NotNil(t, c.LogFile())
	assert.Equal(t, "ccvm.log", *c.LogFile())
	assert.Equal(t, 2, c.Log.Verbosity)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		msg   string
	}{
		{"unknown key", "[vm]\ncycles = 3\n", "unknown configuration key vm.cycles"},
		{"bad mode", "[link]\nmode = \"lazy\"\n", `link.mode must be "static" or "dynamic", not "lazy"`},
		{"empty entry", "[link]\nentry = \"\"\n", "link.entry must not be empty"},
		{"zero cycles", "[vm]\ncycle_cap = 0\n", "vm.cycle_cap must be positive"},
		{"stack too big", "[vm]\nstack_top = 10\nstack_size = 20\n", "vm.stack_size"},
		{"syntax", "[vm\n", "toml"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	c, err := FindAndLoad(nested)
	require.NoError(t, err)
	assert.Empty(t, c.Path, "defaults when no file exists")

	path := filepath.Join(root, FileName)
	require.NoError(t, os.WriteFile(path, []byte("[link]\nmode = \"dynamic\"\n"), 0o644))

	c, err = FindAndLoad(nested)
	require.NoError(t, err)
	assert.Equal(t, path, c.Path)
	assert.Equal(t, ModeDynamic, c.Link.Mode)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "cannot read")

	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("[link]\nmode = 3\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "parse error in "+path)
}
