package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"vid2audio/job"
	"vid2audio/media"
)

func probeCmd() *cli.Command {
	return &cli.Command{
		Name:      "probe",
		Usage:     "Print the metadata of a video URL without downloading it",
		ArgsUsage: "<url>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			locator := cmd.Args().First()
			if locator == "" {
				return fmt.Errorf("a video URL is required")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			runner, err := media.NewRunner(cfg)
			if err != nil {
				return fmt.Errorf("media runner: %w", err)
			}
			md, err := runner.Probe(ctx, locator)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				*job.Metadata
				DurationFormatted string `json:"duration_formatted"`
			}{md, md.DurationFormatted()})
		},
	}
}
