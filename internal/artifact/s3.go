package artifact

import (
	"bytes"
	"context"
	"io"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rotisserie/eris"

	"github.com/fitlab/capture-cli/internal/config"
	"github.com/fitlab/capture-cli/internal/resilience"
)

// s3API is the subset of the S3 client the store needs; narrowed for tests.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 stores artifacts in an S3-compatible bucket (AWS S3 or MinIO).
type S3 struct {
	client s3API
	bucket string
}

// NewS3 creates an S3 artifact store from config. A custom Endpoint enables
// MinIO-style deployments.
func NewS3(ctx context.Context, cfg config.S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, eris.New("artifact: s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, eris.Wrap(err, "artifact: load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

// newS3WithClient wires a pre-built client; used by tests.
func newS3WithClient(client s3API, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) (Ref, error) {
	// Head first: an existing key means a replayed stage, not a new write.
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err == nil {
		return Ref(key), nil
	}

	input := &s3.PutObjectInput{Bucket: &s.bucket, Key: &key, Body: bytes.NewReader(data)}
	if contentType != "" {
		input.ContentType = &contentType
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", resilience.NewTransientError(eris.Wrapf(err, "artifact: s3 put %s", key), 0)
	}
	return Ref(key), nil
}

func (s *S3) Get(ctx context.Context, ref Ref) ([]byte, error) {
	key := string(ref)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: s3 get %s", key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "artifact: s3 read %s", key), 0)
	}
	return data, nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Open constructs the configured artifact driver.
func Open(ctx context.Context, cfg config.ArtifactConfig) (Store, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverFS, "":
		return NewFS(cfg.Root)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	default:
		return nil, eris.Errorf("artifact: unknown driver %q", cfg.Driver)
	}
}
