package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/contactlens/backend/pkg/storage"
)

// Presigner issues pre-signed GET URLs. *storage.S3 implements it.
type Presigner interface {
	GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// S3Resolver resolves s3://bucket/key references to pre-signed GET URLs without a network call.
type S3Resolver struct {
	presigner Presigner
	expires   time.Duration
}

// NewS3Resolver creates an S3 resolver whose links live for expires.
func NewS3Resolver(p Presigner, expires time.Duration) *S3Resolver {
	return &S3Resolver{presigner: p, expires: expires}
}

// Resolve implements bulk.Resolver.
func (r *S3Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	bucket, key, err := storage.ParseURI(ref)
	if err != nil {
		return "", err
	}
	u, err := r.presigner.GeneratePresignedDownloadURL(ctx, bucket, key, r.expires)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", ref, err)
	}
	return u, nil
}
