package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TheSmallBoat/skiff/config"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skiff.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session:\n  idle_timeout: 7s\nkcp:\n  mtu: 1100\n"), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "--config", path})
	require.NoError(t, rootCmd.Execute())

	var got config.Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	require.EqualValues(t, 7*time.Second, got.Session.IdleTimeout)
	require.EqualValues(t, 1100, got.KCP.MTU)
	require.EqualValues(t, config.Default().Client, got.Client)
}

func TestConfigCommandRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skiff.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644))

	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"config", "--config", path})
	err := rootCmd.Execute()
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "log.level"))
}

func TestDialCommandRequiresAddr(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"dial"})
	require.Error(t, rootCmd.Execute())
}
