package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"github.com/vkngwrapper/streamer/device"
	"golang.org/x/exp/slog"
)

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("WARN")
	require.NoError(t, err)
	require.Equal(t, "WARN", level.String())

	level, err = parseLevel("info+2")
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo+2, level)

	_, err = parseLevel("verbose")
	require.Error(t, err)
}

func TestLevelData(t *testing.T) {
	info := device.ImageInfo{Width: 4, Height: 4, MipLevels: 3, BytesPerPixel: 2}
	data := levelData(info, 1, 2)
	require.Len(t, data, 8+2)
	require.Equal(t, byte(1), data[0])
	require.Equal(t, byte(2), data[9])
}

func TestSimulate(t *testing.T) {
	app := &cli.App{
		Flags:  []cli.Flag{configFlag, framesFlag, texturesFlag, meshesFlag, latencyFlag, seedFlag, logLevelFlag, statsFlag},
		Action: simulate,
	}

	path := filepath.Join(t.TempDir(), "small.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[geometry]
block_elements = 4096

[textures]
page_size = 4096
cache_bytes = 8388608

[frames]
staging_bytes = 8388608

[upload]
ring_bytes = 16777216
`), 0o600))

	err := app.Run([]string{"streamsim", "--config", path, "--frames", "40", "--textures", "6", "--meshes", "12", "--log-level", "error"})
	require.NoError(t, err)

	err = app.Run([]string{"streamsim", "--config", path, "--latency", "3"})
	require.Error(t, err)
}
