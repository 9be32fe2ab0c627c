package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/uniedit/batchgen/internal/infra/config"
	"github.com/uniedit/batchgen/internal/module/provider"
	"go.uber.org/zap"
)

// maxAssetBytes caps a single archived asset.
const maxAssetBytes = 512 << 20

// ObjectPutter is the subset of the S3 client used for archival.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver copies generated assets from provider URLs into a bucket and
// rewrites the result to point at the stored copy.
type S3Archiver struct {
	client        ObjectPutter
	http          *http.Client
	bucket        string
	publicBaseURL string
	logger        *zap.Logger
}

// NewS3Client builds an S3 client for any S3-compatible endpoint.
func NewS3Client(ctx context.Context, cfg config.StorageConfig) (*s3.Client, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("incomplete storage configuration")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Archiver creates an archiver writing into cfg.Bucket.
func NewS3Archiver(client ObjectPutter, httpClient *http.Client, cfg config.StorageConfig, logger *zap.Logger) *S3Archiver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Archiver{
		client:        client,
		http:          httpClient,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:        logger.Named("assets"),
	}
}

// ObjectKey returns the bucket key for one item's asset.
func ObjectKey(jobID, itemID uuid.UUID, ext string) string {
	return fmt.Sprintf("batch/%s/%s%s", jobID, itemID, ext)
}

// Archive stores result.AssetURL and returns a copy of result whose
// AssetURL references the stored object. The provider URL is kept under
// metadata "source_url".
func (a *S3Archiver) Archive(ctx context.Context, jobID, itemID uuid.UUID, result *provider.Result) (*provider.Result, error) {
	if result == nil || result.AssetURL == "" {
		return result, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, result.AssetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch asset: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read asset: %w", err)
	}
	if len(body) > maxAssetBytes {
		return nil, fmt.Errorf("asset exceeds %d bytes", maxAssetBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	key := ObjectKey(jobID, itemID, extensionFor(result.AssetURL, contentType))

	input := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	out := *result
	out.Metadata = make(map[string]any, len(result.Metadata)+1)
	for k, v := range result.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata["source_url"] = result.AssetURL
	out.AssetURL = a.publicURL(key)

	a.logger.Debug("asset archived",
		zap.String("job_id", jobID.String()),
		zap.String("item_id", itemID.String()),
		zap.String("key", key),
		zap.Int("bytes", len(body)),
	)
	return &out, nil
}

func (a *S3Archiver) publicURL(key string) string {
	if a.publicBaseURL == "" {
		return "s3://" + a.bucket + "/" + key
	}
	return a.publicBaseURL + "/" + key
}

func extensionFor(rawURL, contentType string) string {
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			switch mediaType {
			case "image/png":
				return ".png"
			case "image/jpeg":
				return ".jpg"
			case "image/webp":
				return ".webp"
			case "video/mp4":
				return ".mp4"
			}
			if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
				return exts[0]
			}
		}
	}
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return path.Ext(p)
}

// Noop leaves results untouched.
type Noop struct{}

func (Noop) Archive(_ context.Context, _, _ uuid.UUID, result *provider.Result) (*provider.Result, error) {
	return result, nil
}
