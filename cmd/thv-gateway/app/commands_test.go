// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-gateway/pkg/storage/sqlite"
)

const seedFixtures = `
organizations:
  - id: org1
    name: Acme
users:
  - id: u1
    subject: alice
members:
  - organizationID: org1
    userID: u1
backends:
  - id: weather
    organizationID: org1
    createdBy: u1
    displayName: Weather
    url: http://weather.internal/mcp
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

//nolint:paralleltest // viper is global
func TestValidateCommand(t *testing.T) {
	path := writeFile(t, "gateway.yaml", "server:\n  port: 9090\noidc:\n  issuer: https://idp.example.com\n")

	out, err := run(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "0.0.0.0:9090")
	assert.Contains(t, out, "https://idp.example.com")
}

//nolint:paralleltest // viper is global
func TestValidateCommand_Errors(t *testing.T) {
	_, err := run(t, "validate")
	require.ErrorContains(t, err, "no configuration file specified")

	path := writeFile(t, "gateway.yaml", "server:\n  port: 70000\n")
	_, err = run(t, "validate", "--config", path)
	require.Error(t, err)
}

//nolint:paralleltest // viper is global
func TestSeedCommand(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "gateway.db")
	cfgPath := writeFile(t, "gateway.yaml", "storage:\n  driver: sqlite\n  dsn: "+dsn+"\n")
	fixturePath := writeFile(t, "fixtures.yaml", seedFixtures)

	out, err := run(t, "seed", "--config", cfgPath, "--file", fixturePath)
	require.NoError(t, err)
	assert.Contains(t, out, "Applied fixtures")

	store, err := sqlite.Open(t.Context(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	b, err := store.GetBackend(t.Context(), "weather")
	require.NoError(t, err)
	assert.Equal(t, "Weather", b.DisplayName)
}

//nolint:paralleltest // viper is global
func TestSeedCommand_RequiresSQLite(t *testing.T) {
	cfgPath := writeFile(t, "gateway.yaml", "server:\n  port: 8081\n")
	fixturePath := writeFile(t, "fixtures.yaml", seedFixtures)

	_, err := run(t, "seed", "--config", cfgPath, "--file", fixturePath)
	require.ErrorContains(t, err, `requires the "sqlite" storage driver`)
}
