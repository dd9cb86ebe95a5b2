package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Drive publishes to a Google Drive folder and shares the file with anyone holding the link.
type Drive struct {
	srv       *drive.Service
	folderID  string
	chunkSize int
	now       func() time.Time
}

func NewDrive(srv *drive.Service, folderID string, chunkSize int64) *Drive {
	return &Drive{srv: srv, folderID: folderID, chunkSize: int(chunkSize), now: time.Now}
}

// NewDriveService builds an authorized Drive client from an OAuth refresh token.
func NewDriveService(ctx context.Context, clientID, clientSecret, refreshToken string) (*drive.Service, error) {
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	httpClient := conf.Client(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return drive.NewService(ctx, option.WithHTTPClient(httpClient))
}

func (d *Drive) Name() string { return "gdrive" }

func (d *Drive) Upload(ctx context.Context, localPath, folder string) (*Object, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	objPath := ObjectPath(folder, filepath.Base(localPath), d.now(), shortuuid.New()[:8])
	contentType := ContentType(localPath)

	file := &drive.File{Name: path.Base(objPath), MimeType: contentType}
	if d.folderID != "" {
		file.Parents = []string{d.folderID}
	}

	opts := []googleapi.MediaOption{googleapi.ContentType(contentType)}
	if d.chunkSize > 0 {
		opts = append(opts, googleapi.ChunkSize(d.chunkSize))
	}
	created, err := d.srv.Files.Create(file).
		Media(f, opts...).
		Fields("id", "size").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("%w: gdrive upload failed: %v", ErrChunkUpload, err)
	}

	perm := &drive.Permission{Type: "anyone", Role: "reader"}
	if _, err := d.srv.Permissions.Create(created.Id, perm).Context(ctx).Do(); err != nil {
		// An unshared file is useless to callers; remove it rather than leave it behind.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if derr := d.srv.Files.Delete(created.Id).Context(dctx).Do(); derr != nil {
			log.Warn().Err(derr).Str("file_id", created.Id).Msg("could not remove unshared gdrive file")
		}
		return nil, fmt.Errorf("%w: gdrive share %s: %v", ErrChunkUpload, created.Id, err)
	}

	return &Object{
		Path:        created.Id,
		URL:         "https://drive.google.com/uc?export=download&id=" + created.Id,
		Size:        st.Size(),
		ContentType: contentType,
	}, nil
}
