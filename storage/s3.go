// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"context"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/sandboxd/sandboxd/errs"
	"github.com/sandboxd/sandboxd/lib/retry"
)

const (
	// multipartThreshold is the object size above which Put switches
	// to a multipart upload, per spec.md §4.1.
	multipartThreshold = 16 << 20 // 16 MiB

	// minPartSize is the minimum size of every part except the last.
	minPartSize = 5 << 20 // 5 MiB

	// maxParts is S3's hard cap on parts per multipart upload.
	maxParts = 10000
)

// S3Config configures an S3-compatible object-store backend.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string

	// RetryPolicy governs retries of transient transport errors.
	// Zero value uses retry.DefaultPolicy().
	RetryPolicy retry.Policy
}

// S3 is a Backend backed by an S3-compatible object store.
type S3 struct {
	client *s3.Client
	bucket string
	policy retry.Policy
}

// NewS3 constructs an S3 backend from cfg.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errs.New(errs.InvalidArgument, "storage: s3 bucket is required")
	}

	opts := s3.Options{
		Region:       "auto",
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &S3{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		policy: cfg.RetryPolicy,
	}, nil
}

// classify tags an SDK-level error as Transient so lib/retry and the
// error taxonomy both recognize it as retryable; a 404-shaped
// response error is tagged NotFound instead.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if respErr := asResponseError(err); respErr != nil && respErr.HTTPStatusCode() == 404 {
		return errs.Wrap(errs.NotFound, err, "s3: object not found")
	}
	return errs.Wrap(errs.Transient, err, "s3: request failed")
}

func asResponseError(err error) *smithyhttp.ResponseError {
	for err != nil {
		if re, ok := err.(*smithyhttp.ResponseError); ok {
			return re
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

func (s *S3) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return classify(fn(ctx))
	})
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader) error {
	first := make([]byte, multipartThreshold)
	n, err := io.ReadFull(r, first)
	if err == nil {
		// Buffer filled exactly; there may be more data to stream.
		return s.putMultipart(ctx, key, first, r)
	}
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return s.putSingle(ctx, key, first[:n])
	}
	return errs.Wrap(errs.Transient, err, "storage: reading %s", key)
}

func (s *S3) putSingle(ctx context.Context, key string, data []byte) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		return err
	})
}

// putMultipart uploads firstPart (already read, exactly
// multipartThreshold bytes) as part 1, then drains rest in
// minPartSize chunks. If the part count would exceed maxParts, the
// final allowed part absorbs every remaining byte regardless of size.
func (s *S3) putMultipart(ctx context.Context, key string, firstPart []byte, rest io.Reader) error {
	var uploadID string
	if err := s.do(ctx, func(ctx context.Context) error {
		out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		uploadID = aws.ToString(out.UploadId)
		return nil
	}); err != nil {
		return err
	}

	abort := func() {
		s.do(ctx, func(ctx context.Context) error {
			_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket: aws.String(s.bucket), Key: aws.String(key), UploadId: aws.String(uploadID),
			})
			return err
		})
	}

	var completed []types.CompletedPart
	uploadPart := func(partNumber int32, data []byte) error {
		var etag string
		err := s.do(ctx, func(ctx context.Context) error {
			out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:     aws.String(s.bucket),
				Key:        aws.String(key),
				UploadId:   aws.String(uploadID),
				PartNumber: aws.Int32(partNumber),
				Body:       bytes.NewReader(data),
			})
			if err != nil {
				return err
			}
			etag = aws.ToString(out.ETag)
			return nil
		})
		if err != nil {
			return err
		}
		completed = append(completed, types.CompletedPart{PartNumber: aws.Int32(partNumber), ETag: aws.String(etag)})
		return nil
	}

	if err := uploadPart(1, firstPart); err != nil {
		abort()
		return err
	}

	done := false
	buf := make([]byte, minPartSize)
	for partNumber := int32(2); !done; partNumber++ {
		if partNumber == maxParts {
			remainder, err := io.ReadAll(rest)
			if err != nil {
				abort()
				return errs.Wrap(errs.Transient, err, "storage: reading final part for %s", key)
			}
			if len(remainder) > 0 {
				if err := uploadPart(partNumber, remainder); err != nil {
					abort()
					return err
				}
			}
			break
		}

		n, err := io.ReadFull(rest, buf)
		switch {
		case err == nil:
			if err := uploadPart(partNumber, buf[:n]); err != nil {
				abort()
				return err
			}
		case err == io.ErrUnexpectedEOF:
			if err := uploadPart(partNumber, buf[:n]); err != nil {
				abort()
				return err
			}
			done = true
		case err == io.EOF:
			done = true
		default:
			abort()
			return errs.Wrap(errs.Transient, err, "storage: reading part for %s", key)
		}
	}

	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		return err
	})
}

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := s.do(ctx, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		body = out.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		var page *s3.ListObjectsV2Output
		err := s.do(ctx, func(ctx context.Context) error {
			out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
			})
			if err != nil {
				return err
			}
			page = out
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if errs.Is(err, errs.NotFound) {
		return nil
	}
	return err
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err == nil {
		return true, nil
	}
	if errs.Is(err, errs.NotFound) {
		return false, nil
	}
	return false, err
}
