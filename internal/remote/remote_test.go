package remote

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/model"
)

func TestDriveListFilesPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if q := r.URL.Query().Get("q"); q != "'folder-1' in parents and trashed=false" {
			t.Errorf("q = %q", q)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			_, _ = w.Write([]byte(`{"files":[{"id":"f1","name":"M1.JPG"}],"nextPageToken":"p2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"files":[{"id":"f2","name":"A2.png"},{"id":"f3","name":"X9.jpg"}]}`))
	}))
	defer srv.Close()

	got, err := NewDrive(srv.URL).ListFiles(context.Background(), "tok", "folder-1")
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	want := []model.RemoteFileEntry{
		{Name: "M1.JPG", RemoteID: "f1"},
		{Name: "A2.png", RemoteID: "f2"},
		{Name: "X9.jpg", RemoteID: "f3"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListFiles() = %+v, want %+v", got, want)
	}
}

func TestDriveUploadMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload/drive/v3/files" || r.URL.Query().Get("uploadType") != "multipart" {
			t.Errorf("unexpected upload URL %s", r.URL)
		}
		mt, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mt != "multipart/related" {
			t.Fatalf("Content-Type = %q, %v", r.Header.Get("Content-Type"), err)
		}
		mr := multipart.NewReader(r.Body, params["boundary"])

		metaPart, err := mr.NextPart()
		if err != nil {
			t.Fatalf("metadata part: %v", err)
		}
		var meta struct {
			Name    string   `json:"name"`
			Parents []string `json:"parents"`
		}
		if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
			t.Fatalf("metadata decode: %v", err)
		}
		if meta.Name != "A1.jpg" || !reflect.DeepEqual(meta.Parents, []string{"folder-1"}) {
			t.Errorf("metadata = %+v", meta)
		}

		dataPart, err := mr.NextPart()
		if err != nil {
			t.Fatalf("data part: %v", err)
		}
		if ct := dataPart.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("data Content-Type = %q", ct)
		}
		data, _ := io.ReadAll(dataPart)
		if string(data) != "jpeg-bytes" {
			t.Errorf("data = %q", data)
		}
		_, _ = w.Write([]byte(`{"id":"new-file"}`))
	}))
	defer srv.Close()

	id, err := NewDrive(srv.URL).UploadFile(context.Background(), "tok", "folder-1", "A1.jpg", "image/jpeg", []byte("jpeg-bytes"))
	if err != nil || id != "new-file" {
		t.Fatalf("UploadFile() = %q, %v", id, err)
	}
}

func TestDriveErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   errordefs.ErrorCode
	}{
		{"expired", http.StatusUnauthorized, errordefs.AUTH_EXPIRED},
		{"forbidden", http.StatusForbidden, errordefs.TRANSPORT},
		{"server error", http.StatusInternalServerError, errordefs.TRANSPORT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tt.status)
			}))
			defer srv.Close()

			d := NewDrive(srv.URL)
			if _, err := d.ListFiles(context.Background(), "tok", "f"); !errordefs.Is(err, tt.want) {
				t.Errorf("ListFiles() error = %v, want %s", err, tt.want)
			}
			if _, err := d.UploadFile(context.Background(), "tok", "f", "A1.jpg", "image/jpeg", []byte("x")); !errordefs.Is(err, tt.want) {
				t.Errorf("UploadFile() error = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestDriveUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	d := NewDrive(base)
	if _, err := d.ListFiles(context.Background(), "tok", "f"); !errordefs.Is(err, errordefs.TRANSPORT) {
		t.Errorf("ListFiles() error = %v, want TRANSPORT", err)
	}
	if _, err := d.UploadFile(context.Background(), "tok", "f", "A1.jpg", "image/jpeg", []byte("x")); !errordefs.Is(err, errordefs.TRANSPORT) {
		t.Errorf("UploadFile() error = %v, want TRANSPORT", err)
	}
}

// fakeS3 answers ListObjectsV2 and PutObject for one path-style bucket.
func fakeS3(t *testing.T, failCode string, failStatus int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if failCode != "" {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(failStatus)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>` + failCode + `</Code><Message>denied</Message><RequestId>req-1</RequestId></Error>`))
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/photos":
			if r.URL.Query().Get("prefix") != "survey/" {
				t.Errorf("prefix = %q", r.URL.Query().Get("prefix"))
			}
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>photos</Name><Prefix>survey/</Prefix><KeyCount>3</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated><Contents><Key>survey/M1.JPG</Key><Size>3</Size></Contents><Contents><Key>survey/A2.png</Key><Size>3</Size></Contents><Contents><Key>survey/old/A3.jpg</Key><Size>3</Size></Contents></ListBucketResult>`))
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/photos/survey/"):
			if ct := r.Header.Get("Content-Type"); ct != "image/jpeg" {
				t.Errorf("Content-Type = %q", ct)
			}
			w.Header().Set("ETag", `"etag"`)
			w.Header().Set("x-amz-version-id", "v1")
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusNotImplemented)
		}
	}))
}

func newTestS3(t *testing.T, endpoint string) *S3 {
	t.Helper()
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	s, err := NewS3(context.Background(), S3Config{
		Endpoint: endpoint, Region: "us-east-1", Bucket: "photos",
		AccessKey: "minio", SecretKey: "minio123",
	})
	if err != nil {
		t.Fatalf("NewS3() error = %v", err)
	}
	return s
}

func TestS3ListAndUpload(t *testing.T) {
	srv := fakeS3(t, "", 0)
	defer srv.Close()
	s := newTestS3(t, srv.URL)

	files, err := s.ListFiles(context.Background(), "session", "survey")
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	want := []model.RemoteFileEntry{
		{Name: "M1.JPG", RemoteID: "survey/M1.JPG"},
		{Name: "A2.png", RemoteID: "survey/A2.png"},
	}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("ListFiles() = %+v, want %+v", files, want)
	}

	id, err := s.UploadFile(context.Background(), "session", "survey", "A1.jpg", "image/jpeg", []byte("abc"))
	if err != nil || id != "survey/A1.jpg?versionId=v1" {
		t.Errorf("UploadFile() = %q, %v", id, err)
	}
}

func TestS3ErrorMapping(t *testing.T) {
	tests := []struct {
		code   string
		status int
		want   errordefs.ErrorCode
	}{
		{"ExpiredToken", http.StatusBadRequest, errordefs.AUTH_EXPIRED},
		{"AccessDenied", http.StatusForbidden, errordefs.TRANSPORT},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv := fakeS3(t, tt.code, tt.status)
			defer srv.Close()
			s := newTestS3(t, srv.URL)

			if _, err := s.ListFiles(context.Background(), "session", "survey"); !errordefs.Is(err, tt.want) {
				t.Errorf("ListFiles() error = %v, want %s", err, tt.want)
			}
		})
	}
}
