// Package remote implements the Storage Collaborator: listing and uploading
// photos in the remote folder that holds a field campaign.
package remote

import (
	"context"

	"github.com/planurbi/fieldcollect/internal/model"
)

// Storage is the remote object store used for reconciliation and uploads.
// Credential expiry is reported as AUTH_EXPIRED and every other failure as
// TRANSPORT, so callers can invalidate the token only when it is at fault.
type Storage interface {
	ListFiles(ctx context.Context, token, folderID string) ([]model.RemoteFileEntry, error)
	UploadFile(ctx context.Context, token, folderID, filename, mimeType string, data []byte) (string, error)
}
