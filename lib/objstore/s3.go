// Strata
// Copyright (C) 2024 StrataDB, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gravitational/trace"
)

// S3Config configures the S3-backed client.
type S3Config struct {
	// Bucket is the bucket every object lives in.
	Bucket string
	// Prefix, when set, is prepended to every key. It lets several
	// databases share one bucket.
	Prefix string
	// Region is the AWS region. Required unless the default config chain
	// resolves one.
	Region string
	// Endpoint overrides the S3 endpoint, for S3-compatible stores and
	// test servers.
	Endpoint string
	// ForcePathStyle addresses the bucket in the path rather than the
	// host. Required by most S3-compatible stores.
	ForcePathStyle bool
	// Credentials overrides the default credential chain.
	Credentials aws.CredentialsProvider
}

// CheckAndSetDefaults checks and sets defaults.
func (c *S3Config) CheckAndSetDefaults() error {
	if c.Bucket == "" {
		return trace.BadParameter("missing parameter Bucket")
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	return nil
}

// S3 is the aws-sdk-go-v2 backed Client. Conditional creates use
// If-None-Match, which S3 honors atomically, so lock acquisition is correct
// against real S3 and compatible stores that implement it.
type S3 struct {
	cfg    S3Config
	client s3api
}

// s3api is the slice of the SDK client the adapter calls. Narrowed for
// tests.
type s3api interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// NewS3 builds an S3 client from the default AWS config chain plus the
// overrides in cfg.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Credentials != nil {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(cfg.Credentials))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &S3{cfg: cfg, client: client}, nil
}

// NewS3WithClient wraps a pre-built SDK client. Used by tests and by callers
// that need custom SDK middleware.
func NewS3WithClient(cfg S3Config, client s3api) (*S3, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if client == nil {
		return nil, trace.BadParameter("missing parameter client")
	}
	return &S3{cfg: cfg, client: client}, nil
}

func (s *S3) path(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return s.cfg.Prefix + "/" + key
}

func (s *S3) strip(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.cfg.Prefix+"/")
}

// PutObject stores body under key.
func (s *S3) PutObject(ctx context.Context, key string, body []byte, opts PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.path(key)),
		Body:   bytes.NewReader(body),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.IfNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return trace.Wrap(convertS3Error(err), "PutObject(%v)", key)
	}
	return nil
}

// GetObject returns the object body or NotFound.
func (s *S3) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.path(key)),
	})
	if err != nil {
		return nil, trace.Wrap(convertS3Error(err), "GetObject(%v)", key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "reading object %v", key)
	}
	return data, nil
}

// DeleteObject removes the object. S3 reports success for missing keys and
// so does this method.
func (s *S3) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.path(key)),
	})
	if err != nil {
		err = convertS3Error(err)
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err, "DeleteObject(%v)", key)
	}
	return nil
}

// ListObjects returns one page of keys under prefix in lexicographic order.
func (s *S3) ListObjects(ctx context.Context, prefix, startAfter string, limit int) (*ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.path(prefix)),
	}
	if startAfter != "" {
		input.StartAfter = aws.String(s.path(startAfter))
	}
	if limit > 0 {
		input.MaxKeys = aws.Int32(int32(limit))
	}
	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, trace.Wrap(convertS3Error(err), "ListObjects(%v)", prefix)
	}

	result := &ListResult{Truncated: aws.ToBool(out.IsTruncated)}
	for _, obj := range out.Contents {
		result.Objects = append(result.Objects, ObjectInfo{
			Key:          s.strip(aws.ToString(obj.Key)),
			Size:         aws.ToInt64(obj.Size),
			ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	if result.Truncated && len(result.Objects) > 0 {
		result.NextToken = result.Objects[len(result.Objects)-1].Key
	}
	return result, nil
}

// HeadObject returns object metadata or NotFound.
func (s *S3) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.path(key)),
	})
	if err != nil {
		return nil, trace.Wrap(convertS3Error(err), "HeadObject(%v)", key)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// Close implements Client. The SDK client holds no resources of its own.
func (s *S3) Close() error {
	return nil
}

// convertS3Error maps SDK failures onto trace classes: missing keys become
// NotFound, failed conditional writes become AlreadyExists, throttling
// becomes ConnectionProblem so retry layers treat it as transient.
func convertS3Error(err error) error {
	if err == nil {
		return nil
	}

	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return trace.NotFound("%s", noSuchKey.Error())
	}
	var noSuchBucket *s3types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return trace.NotFound("%s", noSuchBucket.Error())
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return trace.NotFound("%s", notFound.Error())
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return trace.NotFound("%s", err.Error())
		case http.StatusPreconditionFailed, http.StatusConflict:
			return trace.AlreadyExists("%s", err.Error())
		case http.StatusForbidden:
			return trace.AccessDenied("%s", err.Error())
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return trace.ConnectionProblem(err, "s3 request throttled")
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return trace.NotFound("%s", err.Error())
		case "PreconditionFailed", "ConditionalRequestConflict":
			return trace.AlreadyExists("%s", err.Error())
		case "SlowDown", "RequestTimeout", "ServiceUnavailable", "Throttling", "ThrottlingException":
			return trace.ConnectionProblem(err, "s3 request throttled")
		}
	}

	return trace.Wrap(err)
}
