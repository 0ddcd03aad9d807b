// Package storage opens input lists from the local filesystem or S3.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used to fetch objects.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Opener resolves a location ("path/to/file.csv" or "s3://bucket/key") to a reader.
type Opener struct {
	region   string
	s3Client S3API
}

// NewOpener creates an opener. The S3 client is created lazily on the first s3:// location.
func NewOpener(region string) *Opener {
	return &Opener{region: region}
}

// WithS3Client sets the S3 client used for s3:// locations.
func (o *Opener) WithS3Client(client S3API) *Opener {
	o.s3Client = client
	return o
}

// Open returns a reader for the location. The caller must close it.
func (o *Opener) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if bucket, key, ok := parseS3(location); ok {
		return o.openS3(ctx, bucket, key)
	}

	f, err := os.Open(filepath.Clean(location))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", location, err)
	}
	return f, nil
}

func (o *Opener) openS3(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if o.s3Client == nil {
		opts := []func(*config.LoadOptions) error{}
		if o.region != "" {
			opts = append(opts, config.WithRegion(o.region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		o.s3Client = s3.NewFromConfig(cfg)
	}

	out, err := o.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// parseS3 splits an s3://bucket/key location.
func parseS3(location string) (bucket, key string, ok bool) {
	if !strings.HasPrefix(location, "s3://") {
		return "", "", false
	}
	u, err := url.Parse(location)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", false
	}
	return u.Host, key, true
}
