package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used by S3Destination.
type S3API interface {
	manager.UploadAPIClient
	s3.HeadObjectAPIClient
	s3.ListObjectsV2APIClient
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// S3Destination stores files as objects in a single bucket. S3 has no real
// directories: a "directory" is any common key prefix ending in "/".
type S3Destination struct {
	client       S3API
	uploader     *manager.Uploader
	bucket       string
	storageClass types.StorageClass
}

// NewS3Destination creates a new S3Destination.
func NewS3Destination(client S3API, bucket string, storageClass types.StorageClass) *S3Destination {
	return &S3Destination{
		client:       client,
		uploader:     manager.NewUploader(client),
		bucket:       bucket,
		storageClass: storageClass,
	}
}

func fullKey(p string) string {
	return strings.TrimPrefix(p, "/")
}

// dirPrefix turns a directory path into the key prefix of its children.
func dirPrefix(dir string) string {
	dir = strings.Trim(dir, "/")
	if dir == "" || dir == "." {
		return ""
	}
	return dir + "/"
}

func (d *S3Destination) Put(ctx context.Context, p string, r io.Reader, opts PutOptions) error {
	meta := map[string]string{
		"size": strconv.FormatInt(opts.Size, 10),
	}
	if !opts.ModTime.IsZero() {
		meta["mtime"] = strconv.FormatInt(opts.ModTime.Unix(), 10)
	}
	if opts.MD5 != "" {
		meta["md5"] = opts.MD5
	}

	_, err := d.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(d.bucket),
		Key:          aws.String(fullKey(p)),
		Body:         r,
		StorageClass: d.storageClass,
		Metadata:     meta,
	})
	return err
}

func (d *S3Destination) Stat(ctx context.Context, p string) (*ObjectMeta, error) {
	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(fullKey(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	meta := &ObjectMeta{Size: out.ContentLength}
	if v, ok := out.Metadata["md5"]; ok && v != "" {
		meta.MD5 = NormalizeHash(v)
	} else if etag := strings.Trim(aws.ToString(out.ETag), `"`); etag != "" && !strings.Contains(etag, "-") {
		// single-part ETags are the MD5 of the payload
		meta.MD5 = NormalizeHash(etag)
	}
	return meta, nil
}

func (d *S3Destination) ListDir(ctx context.Context, dir string) ([]DirEntry, error) {
	prefix := dirPrefix(dir)

	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []DirEntry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				entries = append(entries, DirEntry{Name: name, Type: EntryDirectory})
			}
		}
		for _, obj := range page.Contents {
			// skip the zero-byte "dir/" marker some tools create
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name != "" {
				entries = append(entries, DirEntry{Name: name, Type: EntryObject})
			}
		}
	}
	return entries, nil
}

func (d *S3Destination) Delete(ctx context.Context, p string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(fullKey(p)),
	})
	return err
}

// Close is a no-op: the SDK client holds no per-run connection state.
func (d *S3Destination) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
