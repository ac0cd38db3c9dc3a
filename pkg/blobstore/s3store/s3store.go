// Package s3store registers an S3-compatible blobstore.Store provider
// under the "S3" scheme. Importing the package for its side effect is
// enough to make it available to blobstore.Stores/blobstore.ByURL:
//
//	import _ "github.com/mediacloud/story-fetcher/pkg/blobstore/s3store"
package s3store

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mediacloud/story-fetcher/pkg/blobstore"
)

func openForRead(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("s3store: open %s: %w", path, err)
	}
	return f, nil
}

func writeToFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("s3store: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("s3store: write %s: %w", path, err)
	}
	return nil
}

// Provider is the scheme/config-prefix for the S3 provider.
const Provider = "S3"

// URLFormat is the endpoint template; B2-compatible providers override
// it in their own registration by constructing a Store directly with a
// different endpoint and Provider string.
const URLFormat = "https://s3.%s.amazonaws.com"

func init() {
	blobstore.Register(Provider, newStore)
}

// Store is an S3 (or S3-compatible) blobstore.Store.
type Store struct {
	provider string
	store    string
	bucket   string
	client   *s3.Client
}

func newStore(storeName, bucket string) (blobstore.Store, error) {
	region, err := blobstore.ConfVal(storeName, Provider, "REGION")
	if err != nil {
		return nil, err
	}
	accessKeyID, err := blobstore.ConfVal(storeName, Provider, "ACCESS_KEY_ID")
	if err != nil {
		return nil, err
	}
	secretAccessKey, err := blobstore.ConfVal(storeName, Provider, "SECRET_ACCESS_KEY")
	if err != nil {
		return nil, err
	}
	if bucket == "" {
		bucket, err = blobstore.ConfVal(storeName, Provider, "BUCKET")
		if err != nil {
			return nil, err
		}
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws config: %w", err)
	}

	endpoint := fmt.Sprintf(URLFormat, region)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Store{provider: Provider, store: storeName, bucket: bucket, client: client}, nil
}

// NewB2 builds a BackBlaze B2 store, which speaks the same S3 API
// against a different endpoint host and a distinct config-var prefix.
func NewB2(storeName, bucket string) (blobstore.Store, error) {
	const provider = "B2"
	region, err := blobstore.ConfVal(storeName, provider, "REGION")
	if err != nil {
		return nil, err
	}
	accessKeyID, err := blobstore.ConfVal(storeName, provider, "ACCESS_KEY_ID")
	if err != nil {
		return nil, err
	}
	secretAccessKey, err := blobstore.ConfVal(storeName, provider, "SECRET_ACCESS_KEY")
	if err != nil {
		return nil, err
	}
	if bucket == "" {
		bucket, err = blobstore.ConfVal(storeName, provider, "BUCKET")
		if err != nil {
			return nil, err
		}
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws config: %w", err)
	}

	endpoint := fmt.Sprintf("https://s3.%s.backblazeb2.com", region)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Store{provider: provider, store: storeName, bucket: bucket, client: client}, nil
}

func init() {
	blobstore.Register("B2", NewB2)
}

func (s *Store) Provider() string { return s.provider }
func (s *Store) Bucket() string   { return s.bucket }

func (s *Store) UploadFile(ctx context.Context, localPath, remoteKey string) error {
	f, err := openForRead(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.UploadFileobj(ctx, f, remoteKey)
}

func (s *Store) UploadFileobj(ctx context.Context, r io.ReadSeeker, remoteKey string) error {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("s3store: rewind upload body: %w", err)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(remoteKey),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("s3store: put object %s/%s: %w", s.bucket, remoteKey, err)
	}
	return nil
}

// ListObjects returns every key under prefix, paginating internally.
func (s *Store) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var marker *string
	for {
		out, err := s.client.ListObjects(ctx, &s3.ListObjectsInput{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
			Marker: marker,
		})
		if err != nil {
			return nil, fmt.Errorf("s3store: list objects %s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) || len(out.Contents) == 0 {
			return keys, nil
		}
		marker = out.Contents[len(out.Contents)-1].Key
	}
}

func (s *Store) DownloadFile(ctx context.Context, remoteKey, localPath string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(remoteKey),
	})
	if err != nil {
		return fmt.Errorf("s3store: get object %s/%s: %w", s.bucket, remoteKey, err)
	}
	defer out.Body.Close()
	return writeToFile(localPath, out.Body)
}
