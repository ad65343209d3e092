package uploads

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/OpenNSW/formflow/internal/config"
	"github.com/OpenNSW/formflow/internal/uploads/drivers"
)

var (
	_ StorageDriver  = (*drivers.LocalFSDriver)(nil)
	_ UploadVerifier = (*drivers.LocalFSDriver)(nil)
	_ StorageDriver  = (*drivers.S3Driver)(nil)
)

// NewStorageFromConfig creates a storage driver based on the provided
// configuration. secret signs local upload URLs.
func NewStorageFromConfig(ctx context.Context, cfg config.StorageConfig, secret []byte, logger *zap.Logger) (StorageDriver, error) {
	switch cfg.Type {
	case "local":
		logger.Info("initializing local storage", zap.String("dir", cfg.LocalBaseDir))
		return drivers.NewLocalFSDriver(cfg.LocalBaseDir, cfg.LocalPublicURL, secret)
	case "s3":
		logger.Info("initializing S3 storage", zap.String("endpoint", cfg.S3Endpoint), zap.String("bucket", cfg.S3Bucket))

		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.S3Region),
		}
		if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
			creds := credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")
			opts = append(opts, awsconfig.WithCredentialsProvider(creds))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.S3Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			}
			o.UsePathStyle = true
		})
		return drivers.NewS3Driver(client, cfg.S3Bucket, cfg.S3PublicURL), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
