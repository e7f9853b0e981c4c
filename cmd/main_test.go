package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["migrate"])
	assert.True(t, names["recover"])
}

func TestMigrateCreatesDataDirWithSQLite(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	cfgPath := writeConfig(t, "data_dir: "+dataDir+"\ndatabase:\n  driver: sqlite\n  dsn: "+filepath.Join(dataDir, "tasks.db")+"\n")

	root := newRootCommand()
	root.SetArgs([]string{"migrate", "--config", cfgPath})
	require.NoError(t, root.ExecuteContext(context.Background()))

	_, err := os.Stat(filepath.Join(dataDir, "tasks.db"))
	assert.NoError(t, err)
}

func TestRecoverWithEmptyStore(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	cfgPath := writeConfig(t, "data_dir: "+dataDir+"\nprovider:\n  api_key: test-key\n")

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"recover", "--config", cfgPath})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, "interrupted: 0, resumed: 0\n", out.String())
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	cfgPath := writeConfig(t, "database:\n  driver: mongo\n")
	opts := &rootOptions{configPath: cfgPath}
	_, err := opts.loadConfig()
	assert.Error(t, err)
}
