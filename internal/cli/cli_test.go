package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionSkipsConfigLoading(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--json"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		versionJSON = false
	})

	require.NoError(t, rootCmd.Execute())
	var info map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, "dev", info["version"])
	assert.Nil(t, appHandle)
}

func TestRunRejectsUnknownScope(t *testing.T) {
	runOpts.Scope = "daytrade"
	t.Cleanup(func() { runOpts.Scope = "" })
	err := runCmd.RunE(runCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--scope")
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "schema", "order", "journal", "version"} {
		assert.True(t, names[want], want)
	}
	sub := map[string]bool{}
	for _, c := range schemaCmd.Commands() {
		sub[c.Name()] = true
	}
	assert.Equal(t, map[string]bool{"hash": true, "check": true, "diff": true, "apply": true}, sub)
}
