package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/model"
)

// S3Config holds the connection settings of an S3-compatible bucket.
type S3Config struct {
	Endpoint  string // empty for AWS itself
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// S3 stores photos in a bucket. A folder id is a key prefix.
type S3 struct {
	client *s3.Client
	bucket string
	cfg    S3Config
}

// NewS3 creates a bucket-backed Storage.
// It supports both AWS S3 and S3-compatible services like MinIO.
// Parameters:
//   - ctx: Context used while resolving the AWS configuration
//   - c: Bucket connection settings
//
// Returns:
//   - *S3: Initialized storage
//   - error: Any error that occurred during initialization
func NewS3(ctx context.Context, c S3Config) (*S3, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(c.Region),
	}
	if c.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(c.Endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing is required for MinIO and other S3-compatible services
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &S3{client: client, bucket: c.Bucket, cfg: c}, nil
}

// withToken signs the call with the static keys plus the session token held
// by the caller.
func (s *S3) withToken(token string) func(*s3.Options) {
	return func(o *s3.Options) {
		o.Credentials = aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     s.cfg.AccessKey,
				SecretAccessKey: s.cfg.SecretKey,
				SessionToken:    token,
				Source:          "fieldcollect",
			}, nil
		})
	}
}

func folderPrefix(folderID string) string {
	folderID = strings.Trim(folderID, "/")
	if folderID == "" {
		return ""
	}
	return folderID + "/"
}

// ListFiles implements Storage. Objects in nested prefixes are not part of
// the folder and are skipped.
func (s *S3) ListFiles(ctx context.Context, token, folderID string) ([]model.RemoteFileEntry, error) {
	prefix := folderPrefix(folderID)
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var out []model.RemoteFileEntry
	for p.HasMorePages() {
		page, err := p.NextPage(ctx, s.withToken(token))
		if err != nil {
			return nil, mapS3Error("list", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			out = append(out, model.RemoteFileEntry{Name: name, RemoteID: key})
		}
	}
	return out, nil
}

// UploadFile implements Storage. The remote id is the object key, qualified
// with the version id on versioned buckets.
func (s *S3) UploadFile(ctx context.Context, token, folderID, filename, mimeType string, data []byte) (string, error) {
	key := folderPrefix(folderID) + path.Base(filename)
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(int64(len(data))),
	}, s.withToken(token))
	if err != nil {
		return "", mapS3Error("upload", err)
	}
	if v := aws.ToString(out.VersionId); v != "" && v != "null" {
		return key + "?versionId=" + v, nil
	}
	return key, nil
}

// mapS3Error separates credential expiry from other failures.
func mapS3Error(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ExpiredToken", "ExpiredTokenException", "TokenRefreshRequired":
			return errordefs.Wrap(errordefs.AUTH_EXPIRED, "storage credential expired", err)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusUnauthorized {
		return errordefs.Wrap(errordefs.AUTH_EXPIRED, "storage credential rejected", err)
	}
	return errordefs.Wrap(errordefs.TRANSPORT, fmt.Sprintf("s3 %s failed", op), err)
}
