package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vid2audio/config"
	"vid2audio/retry"
)

// New builds the publisher selected by STORAGE_PROVIDER.
func New(ctx context.Context, cfg *config.Config) (Publisher, error) {
	switch cfg.StorageProvider {
	case "supabase", "":
		if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
			return nil, errors.New("storage: SUPABASE_URL and SUPABASE_KEY are required for the supabase provider")
		}
		return NewResumable(ResumableConfig{
			BaseURL:            cfg.SupabaseURL,
			Key:                cfg.SupabaseKey,
			Bucket:             cfg.SupabaseBucket,
			SmallFileThreshold: cfg.SmallFileThreshold,
			ChunkSize:          cfg.ChunkSize,
			Retry: retry.Policy{
				MaxRetries: cfg.UploadRetries,
				Initial:    cfg.UploadBackoff,
				Max:        30 * time.Second,
				Multiplier: 2,
			},
		}), nil

	case "local", "localfs":
		return NewLocalFS(cfg.LocalStorageRoot, cfg.BaseURL), nil

	case "gdrive":
		if cfg.GDriveClientID == "" || cfg.GDriveClientSecret == "" || cfg.GDriveRefreshToken == "" {
			return nil, errors.New("storage: GDRIVE_CLIENT_ID, GDRIVE_CLIENT_SECRET and GDRIVE_REFRESH_TOKEN are required for the gdrive provider")
		}
		srv, err := NewDriveService(ctx, cfg.GDriveClientID, cfg.GDriveClientSecret, cfg.GDriveRefreshToken)
		if err != nil {
			return nil, fmt.Errorf("storage: gdrive client: %w", err)
		}
		return NewDrive(srv, cfg.GDriveFolderID, cfg.ChunkSize), nil

	default:
		return nil, fmt.Errorf("storage: unknown provider %q", cfg.StorageProvider)
	}
}
