package static

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
)

// DirSource reads files below a local directory.
type DirSource struct {
	root string
}

// NewDirSource returns a Source rooted at dir.
func NewDirSource(dir string) (*DirSource, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve static root: %w", err)
	}
	return &DirSource{root: abs}, nil
}

// Open implements Source. Directories, missing files and files the process
// may not read are all reported as ErrNotFound.
func (s *DirSource) Open(_ context.Context, name string) (io.ReadCloser, int64, error) {
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(name)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if fi.IsDir() {
		f.Close()
		return nil, 0, ErrNotFound
	}
	return f, fi.Size(), nil
}

// ObjectSource reads files from an S3-compatible bucket.
type ObjectSource struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectSource returns a Source backed by bucket. Object keys are the
// clean request name joined to prefix.
func NewObjectSource(client *minio.Client, bucket, prefix string) *ObjectSource {
	return &ObjectSource{client: client, bucket: bucket, prefix: prefix}
}

// Open implements Source.
func (s *ObjectSource) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	key := path.Join(s.prefix, name)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, objectError(err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, objectError(err)
	}
	return obj, info.Size, nil
}

func objectError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "AccessDenied":
		return ErrNotFound
	}
	return fmt.Errorf("get object: %w", err)
}
