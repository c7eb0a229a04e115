package storage

import (
	"io"
	"net/http"
	"pdserver/errs"
	"pdserver/logs"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// Presigned S3 links stop working after this long
const presignDuration = 5 * time.Minute

type S3Storage struct {
	Bucket   Bucket
	s3Client *s3.S3
}

func NewS3Storage(bucket *Bucket) (*S3Storage, error) {
	svc, err := bucket.CreateSVC()
	if err != nil {
		return nil, err
	}
	return &S3Storage{Bucket: *bucket, s3Client: svc}, nil
}

func (s *S3Storage) GetBucket() *Bucket {
	return &s.Bucket
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}

func (s *S3Storage) Save(path string, reader io.Reader) (int64, error) {
	counter := &countingReader{reader: reader}
	uploader := s3manager.NewUploaderWithClient(s.s3Client)
	_, err := uploader.Upload(&s3manager.UploadInput{
		Bucket: &s.Bucket.Name,
		Key:    aws.String(s.Bucket.GetRemotePath(path)),
		Body:   counter,
	})
	return counter.count, err
}

func (s *S3Storage) Load(path string, writer io.Writer) (int64, error) {
	resp, err := s.s3Client.GetObject(&s3.GetObjectInput{
		Bucket: &s.Bucket.Name,
		Key:    aws.String(s.Bucket.GetRemotePath(path)),
	})
	if isNotFound(err) {
		return 0, errs.NotFound("file not found")
	}
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(writer, resp.Body)
}

// Serve redirects to a presigned URL so the file does not pass through this server
func (s *S3Storage) Serve(path string, request *http.Request, writer http.ResponseWriter) {
	req, _ := s.s3Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: &s.Bucket.Name,
		Key:    aws.String(s.Bucket.GetRemotePath(path)),
	})
	url, err := req.Presign(presignDuration)
	if err != nil {
		logs.Error.Printf("S3 presign %s: %v", path, err)
		http.Error(writer, "storage unavailable", http.StatusBadGateway)
		return
	}
	writer.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	http.Redirect(writer, request, url, http.StatusTemporaryRedirect)
}

func (s *S3Storage) Delete(path string) error {
	_, err := s.s3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: &s.Bucket.Name,
		Key:    aws.String(s.Bucket.GetRemotePath(path)),
	})
	return err
}

type countingReader struct {
	reader io.Reader
	count  int64
}

func (r *countingReader) Read(buf []byte) (int, error) {
	n, err := r.reader.Read(buf)
	r.count += int64(n)
	return n, err
}
