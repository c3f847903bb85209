package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"gopkg.in/yaml.v3"

	"github.com/meshadm/meshadm/internal/config"
)

// Uploader pushes state artifacts to an S3-compatible bucket. Backup is
// best-effort: callers log failures as warnings, a bootstrap never fails
// because of one.
type Uploader struct {
	client *s3.Client
	bucket string
}

// NewUploader builds an Uploader from the roster's backup settings.
func NewUploader(ctx context.Context, spec config.BackupSpec) (*Uploader, error) {
	if !spec.Enabled {
		return nil, errors.New("backup is not enabled")
	}

	region := spec.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(spec.AccessKey, spec.SecretKey, "")),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(spec.Endpoint)
		// Path style works across MinIO and most S3-compatibles.
		o.UsePathStyle = true
	})

	return &Uploader{client: client, bucket: spec.Bucket}, nil
}

// PushRun uploads the current state document and, when present, the
// kubeconfig snapshot under <cluster>/<run-id>/.
func (u *Uploader) PushRun(ctx context.Context, store *Store) error {
	snap := store.Snapshot()

	data, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to marshal state for backup: %w", err)
	}

	if err := u.put(ctx, objectKey(snap.ClusterName, snap.RunID, "state.yaml"), data); err != nil {
		return err
	}

	kubeconfig, err := store.Kubeconfig()
	if err != nil {
		// No snapshot bootstrapped yet; the state document alone is
		// still worth keeping.
		return nil
	}
	return u.put(ctx, objectKey(snap.ClusterName, snap.RunID, "kubeconfig"), kubeconfig)
}

func (u *Uploader) put(ctx context.Context, key string, data []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		if code := apiErrorCode(err); code != "" {
			return fmt.Errorf("failed to upload %s to bucket %s (%s): %w", key, u.bucket, code, err)
		}
		return fmt.Errorf("failed to upload %s to bucket %s: %w", key, u.bucket, err)
	}
	return nil
}

func objectKey(cluster, runID, name string) string {
	return fmt.Sprintf("%s/%s/%s", cluster, runID, name)
}

// apiErrorCode extracts the S3 API error code, or "" for transport errors.
// S3-compatible services answer with the standard code vocabulary even when
// the SDK cannot map them to typed errors.
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
