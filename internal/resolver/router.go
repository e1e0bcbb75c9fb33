package resolver

import (
	"context"
	"errors"
	"strings"

	"github.com/contactlens/backend/internal/bulk"
)

// ErrS3Disabled is returned for s3:// references when no S3 client is configured.
var ErrS3Disabled = errors.New("s3 references are not enabled")

// Router dispatches s3:// references to the S3 resolver and everything else to HTTP.
type Router struct {
	http bulk.Resolver
	s3   bulk.Resolver
}

// NewRouter creates a router. s3Resolver may be nil.
func NewRouter(httpResolver, s3Resolver bulk.Resolver) *Router {
	return &Router{http: httpResolver, s3: s3Resolver}
}

// Resolve implements bulk.Resolver.
func (r *Router) Resolve(ctx context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, "s3://") {
		if r.s3 == nil {
			return "", ErrS3Disabled
		}
		return r.s3.Resolve(ctx, ref)
	}
	return r.http.Resolve(ctx, ref)
}
