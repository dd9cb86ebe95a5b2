// vid2audio/config/config_test.go
package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"vid2audio/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads default values correctly", func(t *testing.T) {
		// Ensure no env vars are lingering from other tests
		t.Setenv("VID2AUDIO_PORT", "")
		t.Setenv("VID2AUDIO_MAX_CONCURRENCY", "")
		t.Setenv("VID2AUDIO_EXTRACT_TIMEOUT", "")
		t.Setenv("VID2AUDIO_MAX_FILE_SIZE", "")
		t.Setenv("VID2AUDIO_CHUNK_SIZE", "")

		cfg, err := config.Load("")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, 4, cfg.MaxConcurrency)
		assert.Equal(t, 2, cfg.MaxRemoteDownloads)
		assert.Equal(t, "ffmpeg", cfg.FFBin)
		assert.Equal(t, "yt-dlp", cfg.YtDlpBin)
		assert.Equal(t, 10*time.Minute, cfg.ExtractTimeout)
		assert.Equal(t, 60*time.Minute, cfg.MaxDuration)
		assert.Equal(t, int64(1024*1024*1024), cfg.MaxFileSize)
		assert.Equal(t, int64(5*1024*1024), cfg.SmallFileThreshold)
		assert.Equal(t, int64(6*1024*1024), cfg.ChunkSize)
		assert.Equal(t, int64(50*1024*1024), cfg.ReceiveProgressEvery)
		assert.Equal(t, 24*time.Hour, cfg.JobRetention)
		assert.Equal(t, time.Hour, cfg.ScratchRetention)
		assert.Equal(t, "audio-files", cfg.SupabaseBucket)
		assert.Equal(t, []string{"http://localhost:5173", "http://localhost:3000"}, cfg.CORSOrigins)
	})

	t.Run("overrides defaults with environment variables", func(t *testing.T) {
		t.Setenv("VID2AUDIO_PORT", "9999")
		t.Setenv("VID2AUDIO_MAX_CONCURRENCY", "10")
		t.Setenv("VID2AUDIO_MAX_FILE_SIZE", "50MB")
		t.Setenv("VID2AUDIO_EXTRACT_TIMEOUT", "90s")
		t.Setenv("VID2AUDIO_STORE_DRIVER", "memory")

		cfg, err := config.Load("")
		require.NoError(t, err)

		assert.Equal(t, "9999", cfg.Port)
		assert.Equal(t, 10, cfg.MaxConcurrency)
		assert.Equal(t, int64(50*1024*1024), cfg.MaxFileSize)
		assert.Equal(t, 90*time.Second, cfg.ExtractTimeout)
		assert.Equal(t, "memory", cfg.StoreDriver)
	})

	t.Run("reads an explicit config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("STORAGE_PROVIDER: local\nCHUNK_SIZE: 3MB\n"), 0o644))

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, "local", cfg.StorageProvider)
		assert.Equal(t, int64(3*1024*1024), cfg.ChunkSize)
	})
}
