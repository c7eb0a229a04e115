package storage

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"pdserver/errs"
	"sync"
)

type DiskStorage struct {
	Bucket Bucket
	// BasePath is a directory (usually mount point of a disk) that is writable by the current process
	BasePath  string
	dirs      map[string]bool
	dirsMutex sync.Mutex
}

func NewDiskStorage(bucket *Bucket) *DiskStorage {
	return &DiskStorage{
		BasePath: bucket.Path,
		Bucket:   *bucket,
		dirs:     make(map[string]bool, 10),
	}
}

func (s *DiskStorage) GetBucket() *Bucket {
	return &s.Bucket
}

func (s *DiskStorage) createDir(dir string) error {
	s.dirsMutex.Lock()
	defer s.dirsMutex.Unlock()

	if ok := s.dirs[dir]; ok {
		return nil
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	s.dirs[dir] = true
	return nil
}

func (s *DiskStorage) getFullPath(path string) string {
	return s.BasePath + "/" + path
}

func (s *DiskStorage) Save(path string, reader io.Reader) (int64, error) {
	fileName := s.getFullPath(path)
	if err := s.createDir(filepath.Dir(fileName)); err != nil {
		return 0, err
	}
	file, err := os.Create(fileName)
	if err != nil {
		return 0, err
	}
	result, err := io.Copy(file, reader)
	file.Close()
	return result, err
}

func (s *DiskStorage) Load(path string, writer io.Writer) (int64, error) {
	fileName := s.getFullPath(path)
	file, err := os.Open(fileName)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, errs.NotFound("file not found")
	}
	if err != nil {
		return 0, err
	}
	result, err := io.Copy(writer, file)
	file.Close()
	return result, err
}

func (s *DiskStorage) Serve(path string, request *http.Request, writer http.ResponseWriter) {
	http.ServeFile(writer, request, s.getFullPath(path))
}

func (s *DiskStorage) Delete(path string) error {
	err := os.Remove(s.getFullPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return errs.NotFound("file not found")
	}
	return err
}
