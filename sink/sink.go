// Package sink writes encoded journal objects to durable storage.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type WriteRequest struct {
	Key         string
	Data        []byte
	ContentType string
}

// Writer stores one object per call.
type Writer interface {
	Write(ctx context.Context, req WriteRequest) error
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes objects under bucket/prefix.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

func NewS3(client s3API, bucket, prefix string) *S3 {
	if client == nil {
		panic("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("bucket is required")
	}
	return &S3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Write keeps S3 key semantics: the key is not path-cleaned.
func (s *S3) Write(ctx context.Context, req WriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}

	key := strings.TrimLeft(req.Key, "/")
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	size := int64(len(req.Data))

	input := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(req.Data),
		ContentLength: &size,
	}
	if req.ContentType != "" {
		ct := req.ContentType
		input.ContentType = &ct
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put s3 object key=%q: %w", key, err)
	}
	return nil
}
