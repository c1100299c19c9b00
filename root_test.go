package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetFlags() {
	flagVerbose = false
	flagDebug = false
	flagQuiet = false
	flagConfigPath = ""
}

func TestEffectiveLevelFlagPrecedence(t *testing.T) {
	resetFlags()

	assert.Equal(t, "warn", effectiveLevel("warn"), "config baseline wins with no flags")

	flagVerbose = true
	assert.Equal(t, "info", effectiveLevel("error"))

	flagVerbose = false
	flagDebug = true
	assert.Equal(t, "debug", effectiveLevel("error"))

	flagDebug = false
	flagQuiet = true
	assert.Equal(t, "error", effectiveLevel("debug"))

	resetFlags()
}

func TestBuildLoggerFormats(t *testing.T) {
	resetFlags()

	// Explicit formats never consult the terminal.
	assert.NotNil(t, buildLogger("info", "text"))
	assert.NotNil(t, buildLogger("debug", "json"))
	assert.NotNil(t, buildLogger("nonsense", "auto"))
}

func TestRootCommandTree(t *testing.T) {
	resetFlags()

	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}

	assert.Contains(t, names, "watch")
	assert.Contains(t, names, "baseline")
	assert.Contains(t, names, "events")
	assert.Contains(t, names, "parse-worker")

	pw, _, err := root.Find([]string{"parse-worker"})
	require.NoError(t, err)
	assert.True(t, pw.Hidden, "parse-worker stays hidden from help output")
	assert.Equal(t, "true", pw.Annotations[skipConfigAnnotation])
}
