// Copyright (C) 2025 partymesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	assert.Equal(t, "development", cfg.Environment)
	require.NotNil(t, cfg.Party)
	assert.Equal(t, 5*time.Minute, cfg.Party.MaxAge)
	assert.Equal(t, 30*time.Second, cfg.Party.MaxSkew)
	assert.Equal(t, "memory", cfg.Party.StorageBackend)
	require.NotNil(t, cfg.KeyStore)
	assert.Equal(t, ".partymesh/keys", cfg.KeyStore.Directory)
	require.NotNil(t, cfg.Logging)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestSetDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Party: &PartyConfig{MaxAge: time.Hour},
	}
	setDefaults(cfg)

	assert.Equal(t, time.Hour, cfg.Party.MaxAge)
	assert.Equal(t, 30*time.Second, cfg.Party.MaxSkew)
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
environment: staging
party:
  max_age: 2m
  storage_backend: file
  storage_dir: /var/lib/partymesh
keystore:
  type: encrypted-file
  directory: /etc/partymesh/keys
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 2*time.Minute, cfg.Party.MaxAge)
	assert.Equal(t, "file", cfg.Party.StorageBackend)
	assert.Equal(t, "/var/lib/partymesh", cfg.Party.StorageDir)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := &Config{Environment: "production", Party: DefaultPartyConfig()}
	require.NoError(t, SaveToFile(cfg, path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "production", loaded.Environment)
	assert.Equal(t, cfg.Party.MaxAge, loaded.Party.MaxAge)
}

func TestValidateConfiguration(t *testing.T) {
	cfg := &Config{
		Party:   &PartyConfig{MaxAge: -1, StorageBackend: "s3"},
		Logging: &LoggingConfig{Level: "trace"},
	}
	errs := ValidateConfiguration(cfg)

	var fields []string
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.Contains(t, fields, "party.max_age")
	assert.Contains(t, fields, "party.storage_backend")
	assert.Contains(t, fields, "logging.level")
}

func TestValidateConfigurationFileBackendRequiresDir(t *testing.T) {
	cfg := &Config{Party: &PartyConfig{MaxAge: time.Minute, StorageBackend: "file"}}
	errs := ValidateConfiguration(cfg)

	found := false
	for _, e := range errs {
		if e.Field == "party.storage_dir" {
			found = true
		}
	}
	assert.True(t, found, "expected storage_dir validation error")
}
