package tlsconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledReturnsNil(t *testing.T) {
	s, err := Options{}.Server()
	require.NoError(t, err)
	assert.Nil(t, s)
	c, err := Options{}.Client()
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestServerRequiresKeyPair(t *testing.T) {
	_, err := Options{Enable: true}.Server()
	require.Error(t, err)
}

func TestCAPoolErrors(t *testing.T) {
	_, err := CAPool(filepath.Join(t.TempDir(), "missing.crt"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.crt")
	require.NoError(t, os.WriteFile(bad, []byte("not a pem"), 0o644))
	_, err = CAPool(bad)
	require.Error(t, err)
}

func TestClientWithoutCertificates(t *testing.T) {
	cfg, err := Options{Enable: true, ServerName: "peerwatch", InsecureSkipVerify: true}.Client()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "peerwatch", cfg.ServerName)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Empty(t, cfg.Certificates)
}
