package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/web3-uploader/interfaces"
)

// cidMetadataKey is the object metadata IPFS-backed S3 gateways set to the content CID.
const cidMetadataKey = "Cid"

// S3Backend stores files in Amazon S3 or a compatible service, keyed by content hash.
type S3Backend struct {
	client     *s3.S3
	bucketName string
	prefix     string
	log        *slog.Logger
}

type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// NewS3Backend creates the client. Static credentials are used when
// given, otherwise the SDK default chain.
func NewS3Backend(opts S3Options, log *slog.Logger) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket not set", interfaces.ErrBackendMisconfigured)
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	cfg := aws.Config{
		Region:           aws.String(opts.Region),
		S3ForcePathStyle: aws.Bool(opts.PathStyle),
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, "")
	} else {
		log.Warn("No S3 credentials provided, relying on the default credential chain")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client:     s3.New(sess),
		bucketName: opts.Bucket,
		prefix:     strings.Trim(opts.Prefix, "/"),
		log:        log,
	}, nil
}

// Store uploads the file under its SHA-256 and returns the gateway CID when
// the provider reports one, the hex digest otherwise.
func (b *S3Backend) Store(ctx context.Context, file interfaces.FileRef, uploader string) (string, error) {
	start := time.Now()

	f, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("could not open staged file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("could not hash staged file: %w", err)
	}
	digest := hex.EncodeToString(h.Sum(nil))
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("could not rewind staged file: %w", err)
	}

	key := b.objectKey(digest)
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   f,
		Metadata: map[string]*string{
			"Uploader": aws.String(uploader),
			"Filename": aws.String(file.DisplayName()),
		},
	}
	if ct := mime.TypeByExtension(filepath.Ext(file.DisplayName())); ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := b.client.PutObjectWithContext(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload object to S3: %w", err)
	}

	cid := digest
	head, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		b.log.Debug("Could not read object metadata", slog.String("key", key), "err", err)
	} else if v, ok := head.Metadata[cidMetadataKey]; ok && v != nil && *v != "" {
		cid = *v
	}

	b.log.Info("Stored file in S3",
		slog.String("uploader", uploader),
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.String("cid", cid),
		slog.Duration("duration", time.Since(start)))
	return cid, nil
}

// Name implements interfaces.StorageBackend.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

func (b *S3Backend) objectKey(digest string) string {
	if b.prefix == "" {
		return digest
	}
	return path.Join(b.prefix, digest)
}
