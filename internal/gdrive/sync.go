// Package gdrive exports session transcripts to a Google Drive folder.
package gdrive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const docMimeType = "application/vnd.google-apps.document"

// Syncer uploads markdown transcripts as Google Docs. A path uploaded twice
// updates the document created the first time.
type Syncer struct {
	service  *drive.Service
	folderID string
	fileIDs  map[string]string
	mu       sync.Mutex
}

func NewSyncer(ctx context.Context, credPath, folderID string) (*Syncer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	return NewSyncerWithOptions(ctx, folderID, option.WithCredentials(config))
}

// NewSyncerWithOptions builds a Syncer from explicit client options.
func NewSyncerWithOptions(ctx context.Context, folderID string, opts ...option.ClientOption) (*Syncer, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return &Syncer{
		service:  svc,
		folderID: folderID,
		fileIDs:  make(map[string]string),
	}, nil
}

// Upload creates or refreshes the Google Doc for the transcript at path.
func (s *Syncer) Upload(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if fileID, ok := s.fileIDs[path]; ok {
		_, err = s.service.Files.Update(fileID, &drive.File{}).Media(f).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
		return nil
	}

	file := &drive.File{
		Name:     DocName(path),
		MimeType: docMimeType,
	}
	if s.folderID != "" {
		file.Parents = []string{s.folderID}
	}

	doc, err := s.service.Files.Create(file).Media(f).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("drive create: %w", err)
	}

	s.fileIDs[path] = doc.Id
	return nil
}

// DocName names the Drive document for a transcript file, e.g.
// "ghost-turns-2026-02-26-20260226100000" for 2026-02-26/20260226100000.md.
func DocName(path string) string {
	session := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	day := filepath.Base(filepath.Dir(path))
	if day == "." || day == string(filepath.Separator) {
		return "ghost-turns-" + session
	}
	return fmt.Sprintf("ghost-turns-%s-%s", day, session)
}
