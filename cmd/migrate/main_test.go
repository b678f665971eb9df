package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOptionsDefaultsToEmbeddedUp(t *testing.T) {
	opts, err := parseOptions([]string{"up"}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, commandUp, opts.command)
	require.Equal(t, defaultConfigPath, opts.configPath)
	require.Equal(t, defaultTimeout, opts.timeout)
	require.Equal(t, "embedded", opts.source())
}

func TestParseOptionsDownSteps(t *testing.T) {
	opts, err := parseOptions([]string{"-path", "./db/migrations/", "DOWN", "3"}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, commandDown, opts.command)
	require.Equal(t, 3, opts.steps)
	require.Equal(t, "db/migrations", opts.source())

	opts, err = parseOptions([]string{"down"}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, 1, opts.steps)
}

func TestParseOptionsRejectsBadInput(t *testing.T) {
	cases := map[string][]string{
		"missing command": {},
		"unknown command": {"sideways"},
		"zero steps":      {"down", "0"},
		"word steps":      {"down", "two"},
		"extra up args":   {"up", "1"},
		"extra down args": {"down", "1", "2"},
		"bad timeout":     {"-timeout", "0s", "up"},
		"unknown flag":    {"-nope", "up"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseOptions(args, io.Discard)
			require.Error(t, err)
		})
	}
}

func TestResolveDSNPrefersFlag(t *testing.T) {
	dsn, err := resolveDSN(context.Background(), options{dsn: " postgresql://flag:5432/relay ", configPath: "does-not-exist.yaml"})
	require.NoError(t, err)
	require.Equal(t, "postgresql://flag:5432/relay", dsn)
}

func TestResolveDSNReadsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  dsn: postgresql://cfg:5432/relay\n"), 0o600))

	dsn, err := resolveDSN(context.Background(), options{configPath: path})
	require.NoError(t, err)
	require.Equal(t, "postgresql://cfg:5432/relay", dsn)

	dsn, err = resolveDSN(context.Background(), options{configPath: filepath.Join(t.TempDir(), "missing.yaml")})
	require.NoError(t, err)
	require.Equal(t, "postgresql://localhost:5432/marketrelay", dsn, "defaults apply without a config file")
}

func TestRunRejectsMissingMigrationsDirectory(t *testing.T) {
	err := run([]string{"-database", "postgresql://invalid", "-path", filepath.Join(t.TempDir(), "absent"), "up"}, io.Discard, io.Discard)
	require.Error(t, err)
}
