// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load([]byte(`
DataDir = "/var/lib/brisby"

[[Providers]]
Name = "primary"
Address = "provider-address-1"
`))
	require.NoError(t, err)

	assert.Equal(t, "NOTICE", cfg.Logging.Level)
	assert.Equal(t, 64, cfg.Transfer.MaxInflight)
	assert.Equal(t, 30*time.Second, cfg.Transfer.Timeout())
	assert.Equal(t, 5, cfg.Transfer.MaxAttempts)
	assert.Equal(t, 24*60*60, cfg.Seeding.PublishTTLSecs)
	assert.Equal(t, []string{"provider-address-1"}, cfg.ProviderAddresses())
}

func TestLoadRejectsRelativeDataDir(t *testing.T) {
	t.Parallel()

	_, err := Load([]byte(`DataDir = "relative/path"`))
	assert.Error(t, err)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := Load([]byte(`
DataDir = "/var/lib/brisby"
Bogus = true
`))
	assert.Error(t, err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	t.Parallel()

	_, err := Load([]byte(`
DataDir = "/var/lib/brisby"

[Logging]
Level = "LOUD"
`))
	assert.Error(t, err)
}

func TestLoadRejectsProviderWithoutAddress(t *testing.T) {
	t.Parallel()

	_, err := Load([]byte(`
DataDir = "/var/lib/brisby"

[[Providers]]
Name = "broken"
`))
	assert.Error(t, err)
}
