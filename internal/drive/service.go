// Package drive stages files from a Google Drive folder onto local disk so they can be
// uploaded with the directory transfer.
package drive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

// Service is a read-only Drive client.
type Service struct {
	srv *drive.Service
}

// NewService authenticates with a service account key. Extra options are passed to the
// Drive client, e.g. a custom endpoint.
func NewService(ctx context.Context, credentialsJSON []byte, opts ...option.ClientOption) (*Service, error) {
	config, err := google.JWTConfigFromJSON(credentialsJSON, drive.DriveReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse service account key: %w", err)
	}

	opts = append([]option.ClientOption{option.WithHTTPClient(config.Client(ctx))}, opts...)
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive client: %w", err)
	}
	return &Service{srv: srv}, nil
}

// File is the subset of Drive metadata the stager needs.
type File struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
}

// ListFiles returns the non-trashed files directly inside a folder, following pagination.
func (s *Service) ListFiles(ctx context.Context, folderID string) ([]File, error) {
	if folderID == "" {
		folderID = "root"
	}

	var files []File
	err := s.srv.Files.List().
		Q(fmt.Sprintf("'%s' in parents and trashed=false", escape(folderID))).
		Fields("nextPageToken, files(id, name, mimeType, size)").
		PageSize(1000).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				files = append(files, File{ID: f.Id, Name: f.Name, MimeType: f.MimeType, Size: f.Size})
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("unable to list folder %s: %w", folderID, err)
	}
	return files, nil
}

// DownloadFile streams a file's content into w.
func (s *Service) DownloadFile(ctx context.Context, fileID string, w io.Writer) error {
	resp, err := s.srv.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return fmt.Errorf("unable to download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	_, err = io.Copy(w, resp.Body)
	return err
}

// FindFolderByPath resolves a slash separated folder path from the Drive root.
func (s *Service) FindFolderByPath(ctx context.Context, path string) (string, error) {
	currentID := "root"
	for _, folder := range strings.Split(path, "/") {
		if folder == "" {
			continue
		}

		result, err := s.srv.Files.List().
			Q(fmt.Sprintf("'%s' in parents and name='%s' and mimeType='%s' and trashed=false",
				escape(currentID), escape(folder), folderMimeType)).
			Fields("files(id, name)").
			Context(ctx).
			Do()
		if err != nil {
			return "", fmt.Errorf("error finding folder %s: %w", folder, err)
		}
		if len(result.Files) == 0 {
			return "", fmt.Errorf("folder not found: %s", folder)
		}
		currentID = result.Files[0].Id
	}
	return currentID, nil
}

func escape(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `'`, `\'`)
}
