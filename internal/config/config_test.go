package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8899, s.TCPPort)
	require.Equal(t, 5, s.MaxClients)
	require.Equal(t, 2*time.Second, s.RequestTimeout)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invbridge.yaml")
	contents := "tcp_port: 9100\nmax_clients: 2\ndongle_serial: \"ABCDEFGHIJ\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9100, s.TCPPort)
	require.Equal(t, 2, s.MaxClients)
	require.Equal(t, "ABCDEFGHIJ", s.DongleSerial)
	// Untouched keys keep their defaults.
	require.Equal(t, 256, s.CacheMaxEntries)
}

func TestEnvOverridesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tcp_port: 9100\n"), 0o644))
	t.Setenv("INVBRIDGE_TCP_PORT", "7000")

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7000, s.TCPPort)
}

func TestValidateRejectsBadPort(t *testing.T) {
	s := Settings{TCPPort: 0, MaxClients: 1, DongleSerial: "X", CacheMaxEntries: 1, ProbeBackoffMax: time.Second, ProbeBackoffBase: time.Second}
	require.Error(t, s.Validate())
}

func TestValidateRejectsBackoffMaxBelowBase(t *testing.T) {
	s := Settings{TCPPort: 1, MaxClients: 1, DongleSerial: "X", CacheMaxEntries: 1, ProbeBackoffBase: 10 * time.Second, ProbeBackoffMax: time.Second}
	require.Error(t, s.Validate())
}
