package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientAuthType(t *testing.T) {
	for input, want := range map[string]tls.ClientAuthType{
		"":        tls.NoClientCert,
		"none":    tls.NoClientCert,
		"request": tls.RequestClientCert,
		"require": tls.RequireAndVerifyClientCert,
	} {
		got, err := ParseClientAuthType(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseClientAuthType("always")
	assert.Error(t, err)
}

func TestLoadCredentialsErrors(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.pem")

	_, err := LoadServerCredentials(missing, missing, "", tls.NoClientCert)
	assert.ErrorContains(t, err, "failed to load server certificate")

	_, err = LoadClientCredentials("", "", missing, "")
	assert.ErrorContains(t, err, "failed to read CA certificate")

	garbage := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))
	_, err = LoadClientCredentials("", "", garbage, "")
	assert.ErrorContains(t, err, "failed to append CA certificate")
}
