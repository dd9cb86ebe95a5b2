package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"vid2audio/engine"
	"vid2audio/media"
	"vid2audio/queue"
	"vid2audio/storage"
)

func cleanupCmd() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Remove expired jobs and stale scratch files, then exit",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			runner, err := media.NewRunner(cfg)
			if err != nil {
				return fmt.Errorf("media runner: %w", err)
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			// Nothing is published here; the local publisher only satisfies the engine.
			pub := storage.NewLocalFS(cfg.LocalStorageRoot, cfg.BaseURL)
			eng := engine.New(cfg, store, queue.NewMemory(1), runner, pub)
			res, err := eng.Cleanup(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("jobs_cleaned", res.JobsCleaned).Int("files_cleaned", res.FilesCleaned).Msg("done")
			return nil
		},
	}
}
