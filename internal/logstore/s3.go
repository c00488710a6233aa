package logstore

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"experiment-scheduler/internal/config"
)

// s3Archiver uploads final logs to an S3 bucket under logs/{jobName}.log.
type s3Archiver struct {
	client  *s3.Client
	bucket  string
	logsDir string
}

func newS3Archiver(ctx context.Context, cfg config.Config) (*s3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.LogsS3Region),
	}
	if cfg.LogsS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.LogsS3Endpoint,
					HostnameImmutable: cfg.LogsS3Path,
					SigningRegion:     cfg.LogsS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.LogsS3Path
	})
	return &s3Archiver{client: client, bucket: cfg.LogsS3Bucket, logsDir: cfg.LogsDir}, nil
}

func (a *s3Archiver) Archive(ctx context.Context, jobName string) (string, error) {
	data, err := os.ReadFile(logPath(a.logsDir, jobName))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read log file for %s: %w", jobName, err)
	}

	key := fmt.Sprintf("logs/%s.log", jobName)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return "", fmt.Errorf("upload logs for %s: %w", jobName, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
