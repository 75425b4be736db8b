package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-spawner/internal/infra/config"
)

func TestEncryptSecretFromFlag(t *testing.T) {
	var out bytes.Buffer
	err := encryptSecret([]string{"--value", "bk-token"}, "passphrase", strings.NewReader(""), &out)
	require.NoError(t, err)

	line := strings.TrimSpace(out.String())
	require.True(t, strings.HasPrefix(line, "enc:"), line)

	plain, err := config.DecryptValue(strings.TrimPrefix(line, "enc:"), "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "bk-token", plain)
}

func TestEncryptSecretFromStdin(t *testing.T) {
	var out bytes.Buffer
	err := encryptSecret(nil, "passphrase", strings.NewReader("hook-secret\n"), &out)
	require.NoError(t, err)

	plain, err := config.DecryptValue(strings.TrimPrefix(strings.TrimSpace(out.String()), "enc:"), "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "hook-secret", plain)
}

func TestEncryptSecretRequiresKey(t *testing.T) {
	err := encryptSecret([]string{"--value", "x"}, "", strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), configKeyEnv)
}

func TestEncryptSecretRejectsEmptyValue(t *testing.T) {
	err := encryptSecret(nil, "passphrase", strings.NewReader("\n"), &bytes.Buffer{})
	assert.Error(t, err)
}
