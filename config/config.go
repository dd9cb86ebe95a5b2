// vid2audio/config/config.go
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port    string `mapstructure:"PORT"`
	BaseURL string `mapstructure:"BASE"`
	TempDir string `mapstructure:"TEMP_DIR"`

	FFBin          string `mapstructure:"FF_BIN"`
	FFProbeBin     string `mapstructure:"FFPROBE_BIN"`
	YtDlpBin       string `mapstructure:"YTDLP_BIN"`
	YtDlpExtraArgs string `mapstructure:"YTDLP_EXTRA_ARGS"`
	FFExtraArgs    string `mapstructure:"FF_EXTRA_ARGS"`
	CookiesFile    string `mapstructure:"COOKIES_FILE"`

	ExtractTimeout     time.Duration `mapstructure:"EXTRACT_TIMEOUT"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MaxDuration        time.Duration `mapstructure:"MAX_DURATION"`
	MaxFileSize        int64         `mapstructure:"MAX_FILE_SIZE"`
	MaxConcurrency     int           `mapstructure:"MAX_CONCURRENCY"`
	MaxRemoteDownloads int           `mapstructure:"MAX_REMOTE_DOWNLOADS"`

	QueueSize   int    `mapstructure:"QUEUE_SIZE"`
	QueueDriver string `mapstructure:"QUEUE_DRIVER"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	RedisQueue  string `mapstructure:"REDIS_QUEUE"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	StoreDSN    string `mapstructure:"STORE_DSN"`

	StorageProvider    string        `mapstructure:"STORAGE_PROVIDER"`
	SupabaseURL        string        `mapstructure:"SUPABASE_URL"`
	SupabaseKey        string        `mapstructure:"SUPABASE_KEY"`
	SupabaseBucket     string        `mapstructure:"SUPABASE_BUCKET"`
	UploadFolder       string        `mapstructure:"UPLOAD_FOLDER"`
	SmallFileThreshold int64         `mapstructure:"SMALL_FILE_THRESHOLD"`
	ChunkSize          int64         `mapstructure:"CHUNK_SIZE"`
	UploadRetries      int           `mapstructure:"UPLOAD_RETRIES"`
	UploadBackoff      time.Duration `mapstructure:"UPLOAD_BACKOFF"`
	LocalStorageRoot   string        `mapstructure:"LOCAL_STORAGE_ROOT"`
	GDriveClientID     string        `mapstructure:"GDRIVE_CLIENT_ID"`
	GDriveClientSecret string        `mapstructure:"GDRIVE_CLIENT_SECRET"`
	GDriveRefreshToken string        `mapstructure:"GDRIVE_REFRESH_TOKEN"`
	GDriveFolderID     string        `mapstructure:"GDRIVE_FOLDER_ID"`

	ReceiveChunkSize     int64 `mapstructure:"RECEIVE_CHUNK_SIZE"`
	ReceiveProgressEvery int64 `mapstructure:"RECEIVE_PROGRESS_EVERY"`

	JobRetention     time.Duration `mapstructure:"JOB_RETENTION"`
	ScratchRetention time.Duration `mapstructure:"SCRATCH_RETENTION"`
	CleanupInterval  time.Duration `mapstructure:"CLEANUP_INTERVAL"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	LogFormat   string   `mapstructure:"LOG_FORMAT"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

// Load reads defaults, an optional YAML file, a .env file and VID2AUDIO_* variables,
// in increasing order of precedence. configFile may be empty.
func Load(configFile string) (*Config, error) {
	loadDotEnv()

	vp := viper.New()

	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("TEMP_DIR", filepath.Join(os.TempDir(), "vid2audio"))

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("YTDLP_BIN", "yt-dlp")
	vp.SetDefault("YTDLP_EXTRA_ARGS", "")
	vp.SetDefault("FF_EXTRA_ARGS", "")
	vp.SetDefault("COOKIES_FILE", "")

	vp.SetDefault("EXTRACT_TIMEOUT", "10m")
	vp.SetDefault("REQUEST_TIMEOUT", "10m")
	vp.SetDefault("MAX_DURATION", "60m")
	vp.SetDefault("MAX_FILE_SIZE", "1GB")
	vp.SetDefault("MAX_CONCURRENCY", 4)
	vp.SetDefault("MAX_REMOTE_DOWNLOADS", 2)

	vp.SetDefault("QUEUE_SIZE", 100)
	vp.SetDefault("QUEUE_DRIVER", "memory")
	vp.SetDefault("REDIS_ADDR", "localhost:6379")
	vp.SetDefault("REDIS_QUEUE", "vid2audio:jobs")

	vp.SetDefault("STORE_DRIVER", "sqlite")
	vp.SetDefault("STORE_DSN", "vid2audio.db")

	vp.SetDefault("STORAGE_PROVIDER", "supabase")
	vp.SetDefault("SUPABASE_URL", "")
	vp.SetDefault("SUPABASE_KEY", "")
	vp.SetDefault("SUPABASE_BUCKET", "audio-files")
	vp.SetDefault("UPLOAD_FOLDER", "audio")
	vp.SetDefault("SMALL_FILE_THRESHOLD", "5MB")
	vp.SetDefault("CHUNK_SIZE", "6MB")
	vp.SetDefault("UPLOAD_RETRIES", 3)
	vp.SetDefault("UPLOAD_BACKOFF", "1s")
	vp.SetDefault("LOCAL_STORAGE_ROOT", "published")
	vp.SetDefault("GDRIVE_CLIENT_ID", "")
	vp.SetDefault("GDRIVE_CLIENT_SECRET", "")
	vp.SetDefault("GDRIVE_REFRESH_TOKEN", "")
	vp.SetDefault("GDRIVE_FOLDER_ID", "")

	vp.SetDefault("RECEIVE_CHUNK_SIZE", "8MB")
	vp.SetDefault("RECEIVE_PROGRESS_EVERY", "50MB")

	vp.SetDefault("JOB_RETENTION", "24h")
	vp.SetDefault("SCRATCH_RETENTION", "1h")
	vp.SetDefault("CLEANUP_INTERVAL", "15m")

	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "100MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")

	vp.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "console")

	if configFile != "" {
		vp.SetConfigFile(configFile)
	} else {
		vp.SetConfigName("vid2audio_config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath(".")
		vp.AddConfigPath("/etc/vid2audio/")
	}

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("VID2AUDIO")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv walks up from the working directory looking for a .env file.
// Variables already present in the environment win.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
