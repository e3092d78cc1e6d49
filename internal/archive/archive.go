package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"chat-delivery-pipeline/internal/config"
	"chat-delivery-pipeline/internal/models"
	"chat-delivery-pipeline/internal/worker"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each archived dead letter as a JSON object.
type S3Archiver struct {
	client putObjectAPI
	bucket string
	prefix string
}

func newS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// ObjectKey is <prefix>/<queue>/<yyyy>/<mm>/<dd>/<job id>.json.
func (a *S3Archiver) ObjectKey(entry models.DeadLetter) string {
	return path.Join(a.prefix, entry.Queue, entry.FailedAt.UTC().Format("2006/01/02"), entry.JobID+".json")
}

func (a *S3Archiver) Archive(ctx context.Context, entry models.DeadLetter) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal archived job %s: %w", entry.JobID, err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.ObjectKey(entry)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

type auditAppender interface {
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// AuditArchiver records archived dead letters as audit log rows.
type AuditArchiver struct {
	store auditAppender
	log   *zap.Logger
}

func NewAuditArchiver(store auditAppender, log *zap.Logger) *AuditArchiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditArchiver{store: store, log: log}
}

func (a *AuditArchiver) Archive(ctx context.Context, entry models.DeadLetter) error {
	detail, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal archived job %s: %w", entry.JobID, err)
	}
	if err := a.store.AppendAudit(ctx, entry.JobID, "archived", string(detail)); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	a.log.Info("dead letter archived", zap.String("job_id", entry.JobID), zap.String("queue", entry.Queue))
	return nil
}

// New picks the S3 archiver when a bucket is configured and the audit archiver otherwise.
func New(ctx context.Context, cfg config.ArchiveConfig, store auditAppender, log *zap.Logger) (worker.Archiver, error) {
	if cfg.S3Bucket == "" {
		return NewAuditArchiver(store, log), nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Archiver{client: client, bucket: cfg.S3Bucket, prefix: cfg.S3Prefix}, nil
}
