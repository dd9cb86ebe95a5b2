package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"vid2audio/config"
)

var version = "dev"

func App() *cli.Command {
	return &cli.Command{
		Name:    "vid2audio",
		Version: version,
		Usage:   "Convert videos and uploads to audio files and publish them to object storage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file",
				Sources: cli.EnvVars("VID2AUDIO_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			cleanupCmd(),
			probeCmd(),
		},
	}
}

// loadConfig reads the configuration and applies the logging settings.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}
	log.Debug().Str("level", cfg.LogLevel).Msg("log level configured")
}
