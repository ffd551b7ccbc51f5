package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/model"
)

// DefaultDriveURL is the public Drive API host.
const DefaultDriveURL = "https://www.googleapis.com"

// Drive talks to a Drive v3 compatible files API with a bearer token.
type Drive struct {
	base string
	hc   *http.Client
}

// NewDrive creates a Drive client rooted at baseURL.
func NewDrive(baseURL string) *Drive {
	if baseURL == "" {
		baseURL = DefaultDriveURL
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}
	return &Drive{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Transport: transport, Timeout: 60 * time.Second},
	}
}

// service builds a files API client that presents token on every call.
func (d *Drive) service(ctx context.Context, token string) (*drive.Service, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.hc)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	svc, err := drive.NewService(ctx,
		option.WithHTTPClient(hc),
		option.WithEndpoint(d.base+"/drive/v3/"),
	)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.INTERNAL, "failed to create drive client", err)
	}
	return svc, nil
}

// ListFiles implements Storage. Trashed files are excluded.
func (d *Drive) ListFiles(ctx context.Context, token, folderID string) ([]model.RemoteFileEntry, error) {
	svc, err := d.service(ctx, token)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("'%s' in parents and trashed=false", strings.ReplaceAll(folderID, "'", `\'`))

	var out []model.RemoteFileEntry
	err = svc.Files.List().
		Q(q).
		Fields("nextPageToken", "files(id,name)").
		PageSize(1000).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				out = append(out, model.RemoteFileEntry{Name: f.Name, RemoteID: f.Id})
			}
			return nil
		})
	if err != nil {
		return nil, driveError("list", err)
	}
	return out, nil
}

// UploadFile implements Storage. The photo goes up in one multipart request.
func (d *Drive) UploadFile(ctx context.Context, token, folderID, filename, mimeType string, data []byte) (string, error) {
	svc, err := d.service(ctx, token)
	if err != nil {
		return "", err
	}
	meta := &drive.File{Name: filename, MimeType: mimeType, Parents: []string{folderID}}

	created, err := svc.Files.Create(meta).
		Media(bytes.NewReader(data), googleapi.ContentType(mimeType)).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", driveError("upload", err)
	}
	if created.Id == "" {
		return "", errordefs.New(errordefs.TRANSPORT, "upload response carried no file id")
	}
	return created.Id, nil
}

// driveError maps API failures: a rejected credential is AUTH_EXPIRED and
// everything else is TRANSPORT.
func driveError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized {
			return errordefs.Wrap(errordefs.AUTH_EXPIRED, "storage credential rejected", err)
		}
		return errordefs.NewWithDetails(errordefs.TRANSPORT,
			fmt.Sprintf("storage %s failed: %d", op, apiErr.Code),
			map[string]string{"message": apiErr.Message, "body": strings.TrimSpace(apiErr.Body)})
	}
	return errordefs.Wrap(errordefs.TRANSPORT, "storage "+op+" failed", err)
}
