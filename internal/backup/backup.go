// Package backup ships nightly store snapshots to S3-compatible storage.
// The snapshot is taken with VACUUM INTO, integrity-checked, uploaded,
// and the local copy discarded. Everything is best-effort; a failed
// backup never blocks trading.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/config"
	"github.com/chrysalisfund/chrysalis/internal/store"
)

// Uploader is the S3 slice the service needs. *manager.Uploader
// satisfies it.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Service snapshots the store and uploads the result.
type Service struct {
	store    *store.Store
	cfg      config.Backup
	uploader Uploader
	tz       *time.Location
	log      zerolog.Logger
}

// New builds the backup service. The standard AWS credential chain
// applies unless dedicated backup keys are set in the environment.
func New(ctx context.Context, st *store.Store, cfg *config.Config, log zerolog.Logger) (*Service, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Backup.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Backup.Region))
	}
	if cfg.Secrets.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Secrets.S3AccessKey, cfg.Secrets.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Backup.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Backup.Endpoint)
			o.UsePathStyle = true
		}
	})

	tz := cfg.Location
	if tz == nil {
		tz = time.UTC
	}

	return &Service{
		store:    st,
		cfg:      cfg.Backup,
		uploader: manager.NewUploader(client),
		tz:       tz,
		log:      log.With().Str("component", "backup").Logger(),
	}, nil
}

// Run takes one snapshot and uploads it under a date-stamped key.
func (s *Service) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Debug().Msg("Backup disabled, skipping")
		return nil
	}

	tmpDir, err := os.MkdirTemp("", "chrysalis-backup-")
	if err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	name := fmt.Sprintf("chrysalis_%s.db", time.Now().In(s.tz).Format("2006-01-02"))
	snapPath := filepath.Join(tmpDir, name)

	start := time.Now()
	if err := s.store.VacuumInto(snapPath); err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	if err := verifySnapshot(snapPath); err != nil {
		return fmt.Errorf("snapshot verification failed: %w", err)
	}

	f, err := os.Open(snapPath)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat snapshot: %w", err)
	}

	key := name
	if s.cfg.S3Prefix != "" {
		key = path.Join(s.cfg.S3Prefix, name)
	}
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.S3Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	s.log.Info().
		Str("bucket", s.cfg.S3Bucket).
		Str("key", key).
		Float64("size_mb", float64(info.Size())/1024/1024).
		Dur("duration_ms", time.Since(start)).
		Msg("Store snapshot uploaded")
	return nil
}

// verifySnapshot opens the copy and runs an integrity check before it
// ships anywhere.
func verifySnapshot(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
