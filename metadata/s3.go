package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"go.uber.org/zap"
)

// s3Getter is the slice of the S3 API the resolver needs.
type s3Getter interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
}

// storedEntry is the JSON shape of a registry object (<name>.json).
type storedEntry struct {
	Repository struct {
		URL string `json:"url"`
	} `json:"repository"`
	Entrypoint string `json:"entrypoint"`
	Lang       string `json:"lang"`
}

// S3Resolver resolves descriptors from per-server JSON objects in an S3
// bucket, keyed by "<name>.json".
type S3Resolver struct {
	Log    *zap.SugaredLogger
	Bucket string

	client s3Getter
}

type S3ResolverOption func(r *S3Resolver)

func WithS3Client(c s3Getter) S3ResolverOption {
	return func(r *S3Resolver) {
		r.client = c
	}
}

func WithS3ResolverLogger(l *zap.SugaredLogger) S3ResolverOption {
	return func(r *S3Resolver) {
		r.Log = l.Named("s3_resolver")
	}
}

// NewS3Resolver builds a resolver against the given bucket and region.
func NewS3Resolver(region, bucket string, opts ...S3ResolverOption) (*S3Resolver, error) {
	r := &S3Resolver{
		Log:    zap.NewNop().Sugar(),
		Bucket: bucket,
	}
	for _, o := range opts {
		o(r)
	}
	if r.client == nil {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
		if err != nil {
			return nil, fmt.Errorf("building AWS session: %w", err)
		}
		r.client = s3.New(sess)
	}
	return r, nil
}

func (r *S3Resolver) Resolve(ctx context.Context, name string) (Descriptor, error) {
	key := name + ".json"
	out, err := r.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Descriptor{}, fmt.Errorf("%w: fetching %s: %v", ErrStore, key, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: reading %s: %v", ErrStore, key, err)
	}

	var entry storedEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return Descriptor{}, fmt.Errorf("%w: decoding %s: %v", ErrStore, key, err)
	}

	d := Descriptor{
		RepoURL:    entry.Repository.URL,
		Entrypoint: entry.Entrypoint,
		Lang:       entry.Lang,
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("%w: entry %s: %v", ErrStore, key, err)
	}

	r.Log.Debugw("resolved descriptor", "Name", name, "RepoURL", d.RepoURL, "Entrypoint", d.Entrypoint)
	return d, nil
}
