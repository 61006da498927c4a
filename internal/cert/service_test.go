package cert

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPaths(dir string) Paths {
	return Paths{
		CACert:     filepath.Join(dir, "ca", "ca.crt"),
		CAKey:      filepath.Join(dir, "ca", "ca.key"),
		ServerCert: filepath.Join(dir, "server", "server.crt"),
		ServerKey:  filepath.Join(dir, "server", "server.key"),
	}
}

func readCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestEnsureGeneratesChain(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, Ensure(paths, &Options{DomainNames: []string{"dispatch.internal"}}))

	ca := readCert(t, paths.CACert)
	server := readCert(t, paths.ServerCert)
	assert.True(t, ca.IsCA)
	assert.Equal(t, "dispatch.internal", server.Subject.CommonName)

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	_, err := server.Verify(x509.VerifyOptions{DNSName: "dispatch.internal", Roots: pool})
	assert.NoError(t, err)

	info, err := os.Stat(paths.ServerKey)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureReusesExistingCA(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, Ensure(paths, nil))
	ca := readCert(t, paths.CACert)
	first := readCert(t, paths.ServerCert)

	require.NoError(t, Ensure(paths, nil))
	assert.Equal(t, first.SerialNumber, readCert(t, paths.ServerCert).SerialNumber)

	require.NoError(t, os.Remove(paths.ServerCert))
	require.NoError(t, Ensure(paths, nil))
	renewed := readCert(t, paths.ServerCert)
	assert.NotEqual(t, first.SerialNumber, renewed.SerialNumber)
	assert.NoError(t, renewed.CheckSignatureFrom(ca))
	assert.Contains(t, renewed.DNSNames, "localhost")
}
