// Package archive copies completed runs and exported reports to
// S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/feedback-cli/internal/model"
)

// ObjectStore is the subset of *minio.Client used by the archiver.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FPutObject(ctx context.Context, bucket, key, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Options configures the object storage connection.
type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Archiver writes run documents under <prefix>/runs/YYYY/MM/DD/<run_id>.json.
type Archiver struct {
	client ObjectStore
	bucket string
	prefix string
}

// New connects to the endpoint and creates the bucket if it does not exist.
func New(ctx context.Context, opts Options) (*Archiver, error) {
	cli, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, eris.Wrap(err, "archive: create client")
	}

	exists, err := cli.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, eris.Wrapf(err, "archive: check bucket %s", opts.Bucket)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, eris.Wrapf(err, "archive: make bucket %s", opts.Bucket)
		}
		zap.L().Info("archive: created bucket", zap.String("bucket", opts.Bucket))
	}

	return NewWithClient(cli, opts.Bucket, opts.Prefix), nil
}

// NewWithClient wraps an existing object store client.
func NewWithClient(client ObjectStore, bucket, prefix string) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Name implements pipeline.Hook.
func (a *Archiver) Name() string { return "archive" }

// AfterRun implements pipeline.Hook.
func (a *Archiver) AfterRun(ctx context.Context, run *model.Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return eris.Wrap(err, "archive: marshal run")
	}
	key := a.RunKey(run)
	if _, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return eris.Wrapf(err, "archive: put %s", key)
	}
	zap.L().Info("archive: stored run",
		zap.String("run_id", run.ID),
		zap.String("bucket", a.bucket),
		zap.String("key", key),
	)
	return nil
}

// UploadFile stores a local file under <prefix>/exports/<name> and returns
// the object key.
func (a *Archiver) UploadFile(ctx context.Context, localPath string) (string, error) {
	key := a.key("exports", filepath.Base(localPath))
	_, err := a.client.FPutObject(ctx, a.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return "", eris.Wrapf(err, "archive: upload %s", localPath)
	}
	return key, nil
}

// RunKey returns the object key for a run document.
func (a *Archiver) RunKey(run *model.Run) string {
	ts := run.UpdatedAt
	if ts.IsZero() {
		ts = run.CreatedAt
	}
	return a.key("runs", ts.UTC().Format("2006/01/02"), fmt.Sprintf("%s.json", run.ID))
}

func (a *Archiver) key(parts ...string) string {
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return path.Join(parts...)
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".json":
		return "application/json"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".csv":
		return "text/csv"
	}
	return "application/octet-stream"
}
