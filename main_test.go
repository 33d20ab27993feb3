//go:build linux

package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"ftpd/config"
	"ftpd/system"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseArgs(t *testing.T) {
	o, _, err := parseArgs([]string{"-4", "--cli", "-r", "/srv", "--no-anonymous", "-v", "2121"}, io.Discard)
	require.NoError(t, err)
	assert.True(t, o.ipv4)
	assert.True(t, o.cli)
	assert.True(t, o.noAnonymous)
	assert.True(t, o.verbose)
	assert.Equal(t, "/srv", o.root)
	assert.Equal(t, "2121", o.port)
	assert.False(t, o.hostSet)

	o, _, err = parseArgs([]string{"::1", "21", "-c", "ftpd.toml"}, io.Discard)
	require.NoError(t, err)
	assert.True(t, o.hostSet)
	assert.Equal(t, "::1", o.host)
	assert.Equal(t, "21", o.port)
	assert.Equal(t, "ftpd.toml", o.configPath)

	_, _, err = parseArgs([]string{"a", "b", "c"}, io.Discard)
	require.Error(t, err)
	_, _, err = parseArgs([]string{"--bogus"}, io.Discard)
	require.Error(t, err)
}

func TestApplyFlags(t *testing.T) {
	for _, tc := range []struct {
		name   string
		args   []string
		family string
		level  string
	}{
		{"defaults", nil, "any", "warn"},
		{"ipv4", []string{"-4"}, "ipv4", "warn"},
		{"ipv6 quiet", []string{"-6", "-q"}, "ipv6", "error"},
		{"both families", []string{"-4", "-6", "--debug", "-v"}, "any", "debug"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o, _, err := parseArgs(tc.args, io.Discard)
			require.NoError(t, err)
			cfg := config.Default()
			require.NoError(t, applyFlags(cfg, o))
			assert.Equal(t, tc.family, cfg.Server.Family)
			assert.Equal(t, tc.level, cfg.Log.Level)
		})
	}

	o, _, err := parseArgs([]string{"--no-anonymous", "-p", "2100", "", "21"}, io.Discard)
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Server.Host = "example.org"
	require.NoError(t, applyFlags(cfg, o))
	// 显式给出的空主机名表示所有地址
	assert.Equal(t, "", cfg.Server.Host)
	assert.Equal(t, "21", cfg.Server.Port)
	assert.False(t, cfg.Server.Anonymous)
}

func TestFamilyOf(t *testing.T) {
	assert.Equal(t, unix.AF_INET, familyOf("ipv4"))
	assert.Equal(t, unix.AF_INET6, familyOf("ipv6"))
	assert.Equal(t, unix.AF_UNSPEC, familyOf("any"))
	assert.Equal(t, unix.AF_UNSPEC, familyOf(""))
}

func TestBuildUsers(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()
	cfg.Server.Root = root
	cfg.Users = []config.UserConfig{
		{Name: "alice", Password: "$2a$04$abcdefghijklmnopqrstuu", Root: filepath.Join(root, "alice")},
		{Name: "bob"},
	}
	users, err := buildUsers(cfg)
	require.NoError(t, err)
	require.Equal(t, 3, users.Len())

	anon, ok := users.Lookup(system.AnonymousUser)
	require.True(t, ok)
	assert.Equal(t, root, anon.Root)
	bob, ok := users.Lookup("bob")
	require.True(t, ok)
	assert.Equal(t, root, bob.Root)

	cfg.Server.Anonymous = false
	users, err = buildUsers(cfg)
	require.NoError(t, err)
	_, ok = users.Lookup(system.AnonymousUser)
	assert.False(t, ok)

	cfg.Users = append(cfg.Users, config.UserConfig{Name: "bob"})
	_, err = buildUsers(cfg)
	require.ErrorIs(t, err, system.ErrUserExists)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ftpd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = \"2121\"\n"), 0o644))
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "2121", cfg.Server.Port)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	defer log.SetFormatter(log.StandardLogger().Formatter)

	require.NoError(t, setupLogging(config.LogConfig{Level: "debug", Format: "json"}))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	require.Error(t, setupLogging(config.LogConfig{Level: "loud"}))
	require.Error(t, setupLogging(config.LogConfig{Level: "info", Format: "xml"}))
}
