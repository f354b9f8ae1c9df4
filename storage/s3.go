package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rotisserie/eris"

	appconfig "leadpilot/config"
	"leadpilot/models"
)

// S3Archiver writes finished search runs to S3-compatible storage.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

func NewS3Archiver(ctx context.Context, cfg appconfig.S3Config) (*S3Archiver, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "load aws config")
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func (a *S3Archiver) Upload(ctx context.Context, key string, data io.Reader, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return eris.Wrapf(err, "put object %s", key)
	}
	return nil
}

// ArchiveRun stores the run as JSON under RunKey.
func (a *S3Archiver) ArchiveRun(ctx context.Context, run *models.SearchRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "marshal run")
	}
	return a.Upload(ctx, RunKey(run), bytes.NewReader(data), "application/json")
}

func RunKey(run *models.SearchRun) string {
	return fmt.Sprintf("runs/%s/%s.json", run.CustomerID, run.ID)
}
