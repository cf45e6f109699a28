// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "curator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBuildConfigWithoutFile(t *testing.T) {
	cfg, fc, err := buildConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Empty(t, fc.LogLevel)
}

func TestBuildConfigAppliesFile(t *testing.T) {
	path := writeConfigFile(t, `
port: 9100
data_dir: /srv/curate
log_level: debug
log_dir: /var/log/curator
cors_origins:
  - http://example.test
`)

	cfg, fc, err := buildConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "/srv/curate", cfg.DataDir)
	assert.Equal(t, []string{"http://example.test"}, cfg.CORSOrigins)

	// Logging settings ride along for the caller to apply.
	assert.Equal(t, "debug", fc.LogLevel)
	assert.Equal(t, "/var/log/curator", fc.LogDir)
}

func TestBuildConfigEnvWinsOverFile(t *testing.T) {
	path := writeConfigFile(t, "port: 9100\ndata_dir: /srv/file\n")
	t.Setenv("CURATOR_PORT", "9200")
	t.Setenv("DATA_DIR", "/srv/env")

	cfg, _, err := buildConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, "/srv/env", cfg.DataDir)
}

func TestBuildConfigRejectsBadYAML(t *testing.T) {
	path := writeConfigFile(t, "port: [not an int\n")
	_, _, err := buildConfig(path)
	assert.Error(t, err)
}

func TestSplitOrigins(t *testing.T) {
	assert.Equal(t,
		[]string{"http://a.test", "http://b.test"},
		splitOrigins(" http://a.test, http://b.test ,"))
	assert.Nil(t, splitOrigins(" , "))
}
