package storage

import (
	"pdserver/config"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

type StorageType uint8

const (
	StorageTypeFile StorageType = 0
	StorageTypeS3   StorageType = 1
)

const StorageLocationUser = "users"

// Bucket describes where user files live
type Bucket struct {
	Name        string
	StorageType StorageType
	Path        string // Path on a drive or a prefix in a S3 bucket
	Region      string
	Endpoint    string
	AuthDetails string // In case of S3 bucket - "key:secret"
}

// BucketFromConfig picks S3 when S3_BUCKET is set, local disk otherwise
func BucketFromConfig() *Bucket {
	if config.S3_BUCKET == "" {
		return &Bucket{StorageType: StorageTypeFile, Path: config.FILES_DIR}
	}
	return &Bucket{
		Name:        config.S3_BUCKET,
		StorageType: StorageTypeS3,
		Path:        config.S3_PREFIX,
		Region:      config.S3_REGION,
		Endpoint:    config.S3_ENDPOINT,
		AuthDetails: config.S3_ACCESS_KEY + ":" + config.S3_SECRET_KEY,
	}
}

func (b *Bucket) GetRemotePath(path string) string {
	prefix := strings.Trim(b.Path, "/")
	if prefix == "" {
		return path
	}
	return prefix + "/" + path
}

func (b *Bucket) CreateSVC() (*s3.S3, error) {
	key, secret, _ := strings.Cut(b.AuthDetails, ":")
	cfg := &aws.Config{
		Region: aws.String(b.Region),
	}
	if key != "" {
		cfg.Credentials = credentials.NewStaticCredentials(key, secret, "")
	}
	if b.Endpoint != "" {
		cfg.Endpoint = aws.String(b.Endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}
