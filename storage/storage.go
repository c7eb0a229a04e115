// Package storage keeps the files users upload through their apps, on local disk or in S3.
package storage

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"pdserver/errs"
	"pdserver/logs"
	"pdserver/utils"
)

type StorageAPI interface {
	Save(path string, reader io.Reader) (int64, error)
	// Load returns an errs.NotFound error for missing files
	Load(path string, writer io.Writer) (int64, error)
	Serve(path string, request *http.Request, writer http.ResponseWriter)
	Delete(path string) error
	GetBucket() *Bucket
}

// New creates the storage backing the bucket
func New(bucket *Bucket) (StorageAPI, error) {
	switch bucket.StorageType {
	case StorageTypeFile:
		return NewDiskStorage(bucket), nil
	case StorageTypeS3:
		return NewS3Storage(bucket)
	}
	return nil, fmt.Errorf("storage type %d unavailable", bucket.StorageType)
}

// UserFilePath is where an app keeps a file of its user
func UserFilePath(owner, app, path string) string {
	return StorageLocationUser + "/" + utils.CleanPath(owner) + "/" + utils.CleanPath(app) + "/" + utils.CleanPath(path)
}

// UserFiles gives access to user files by owner, app and path
type UserFiles struct {
	StorageAPI
}

func Init() *UserFiles {
	bucket := BucketFromConfig()
	s, err := New(bucket)
	if err != nil {
		panic(err)
	}
	logs.Info.Printf("User files stored in %s bucket %q path %q", map[StorageType]string{StorageTypeFile: "disk", StorageTypeS3: "S3"}[bucket.StorageType], bucket.Name, bucket.Path)
	return &UserFiles{s}
}

func (f *UserFiles) ReadUserFile(owner, app, path string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.Load(UserFilePath(owner, app, path), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *UserFiles) WriteUserFile(owner, app, path string, reader io.Reader) (int64, error) {
	if utils.CleanPath(path) == "" {
		return 0, errs.Validation("file path is empty")
	}
	return f.Save(UserFilePath(owner, app, path), reader)
}

func (f *UserFiles) DeleteUserFile(owner, app, path string) error {
	return f.Delete(UserFilePath(owner, app, path))
}

func (f *UserFiles) ServeUserFile(owner, app, path string, request *http.Request, writer http.ResponseWriter) {
	f.Serve(UserFilePath(owner, app, path), request, writer)
}
