package chat

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	const doc = `
listen_addr: "0.0.0.0:9000"
rooms:
  - lobby
  - general
`
	require.NoError(t, afero.WriteFile(fs, "chat.yaml", []byte(doc), 0o644))

	cfg, err := LoadConfig(fs, "chat.yaml")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	require.ElementsMatch(t, []string{"lobby", "general"}, cfg.Rooms)
	require.Equal(t, defaultHistorySize, cfg.HistorySize)
	require.Equal(t, "clean", cfg.LossProfile)
}

func TestLoadConfigRequiresListenAddr(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "chat.yaml", []byte("rooms: [lobby]"), 0o644))

	_, err := LoadConfig(fs, "chat.yaml")
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := LoadConfig(fs, "missing.yaml")
	require.Error(t, err)
}
