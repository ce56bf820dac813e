package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"samotop/logging"
	"samotop/session"
)

// ObjectPutter is the part of the S3 client the dispatch needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the object store.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region" validate:"required_with=Bucket"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	// Timeout bounds one upload.
	Timeout time.Duration `mapstructure:"timeout"`
}

// NewS3Client creates an S3 client; a custom endpoint switches to path
// style addressing as MinIO expects.
func NewS3Client(cfg *S3Config) *s3.Client {
	opts := s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
	}
	if cfg.Endpoint != "" {
		endpointURL := cfg.Endpoint
		if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
			protocol := "http"
			if cfg.UseSSL {
				protocol = "https"
			}
			endpointURL = protocol + "://" + endpointURL
		}
		opts.BaseEndpoint = aws.String(endpointURL)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

// S3Dispatch stores each message as one object. The body is buffered and
// uploaded when the sink is closed, so an aborted transaction leaves no
// object behind.
type S3Dispatch struct {
	Client  ObjectPutter
	Bucket  string
	Prefix  string
	Timeout time.Duration
	Logger  logging.Logger
}

// NewS3Dispatch wires a dispatch to a real bucket.
func NewS3Dispatch(cfg *S3Config, logger logging.Logger) *S3Dispatch {
	return &S3Dispatch{
		Client:  NewS3Client(cfg),
		Bucket:  cfg.Bucket,
		Prefix:  cfg.Prefix,
		Timeout: cfg.Timeout,
		Logger:  logger,
	}
}

// Key returns the object key for a transaction id.
func (d *S3Dispatch) Key(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	return d.Prefix + id + ".eml"
}

// OpenMailBody implements session.Dispatch.
func (d *S3Dispatch) OpenMailBody(_ context.Context, info *session.SessionInfo, tx *session.Transaction) (session.MailSink, error) {
	s := &s3Sink{d: d, key: d.Key(tx.ID), sender: tx.Sender(), rcpts: tx.Recipients()}
	s.buf.WriteString(TraceHeaders(info, tx))
	return s, nil
}

type s3Sink struct {
	d      *S3Dispatch
	key    string
	sender string
	rcpts  []string
	buf    bytes.Buffer
	done   bool
}

func (s *s3Sink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *s3Sink) Close() error {
	if s.done {
		return nil
	}
	s.done = true

	ctx := context.Background()
	if s.d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.d.Timeout)
		defer cancel()
	}
	_, err := s.d.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.d.Bucket),
		Key:           aws.String(s.key),
		Body:          bytes.NewReader(s.buf.Bytes()),
		ContentLength: aws.Int64(int64(s.buf.Len())),
		ContentType:   aws.String("message/rfc822"),
		Metadata: map[string]string{
			"sender":     s.sender,
			"recipients": strings.Join(s.rcpts, ","),
		},
	})
	s.buf.Reset()
	if err != nil {
		if s.d.Logger != nil {
			s.d.Logger.Error("Failed to upload message", err, logging.F("key", s.key))
		}
		return fmt.Errorf("%w: upload %s: %w", session.ErrFailedTemporarily, s.key, err)
	}
	if s.d.Logger != nil {
		s.d.Logger.Info("Message stored", logging.F("bucket", s.d.Bucket), logging.F("key", s.key))
	}
	return nil
}

// Abort drops the buffered body.
func (s *s3Sink) Abort() error {
	s.done = true
	s.buf.Reset()
	return nil
}
