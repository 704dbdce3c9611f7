// Package blob issues presigned upload URLs for meal photos.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"familymeal/api/internal/apperr"
)

var extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/heic": "heic",
}

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PublicBaseURL string
	URLTTL        time.Duration
}

// Upload tells the client where to PUT a photo and which URL to store on the
// meal afterwards.
type Upload struct {
	UploadURL string    `json:"uploadUrl"`
	ObjectKey string    `json:"objectKey"`
	PublicURL string    `json:"publicUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type presigner interface {
	PresignedPutObject(ctx context.Context, bucket, object string, expires time.Duration) (*url.URL, error)
}

type Uploads struct {
	client     presigner
	bucket     string
	publicBase string
	ttl        time.Duration
	now        func() time.Time
}

// NewUploads connects to S3-compatible storage. It returns nil, nil when no
// endpoint is configured.
func NewUploads(cfg Config) (*Uploads, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	publicBase := strings.TrimRight(cfg.PublicBaseURL, "/")
	if publicBase == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicBase = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return newUploads(client, cfg.Bucket, publicBase, cfg.URLTTL), nil
}

func newUploads(client presigner, bucket, publicBase string, ttl time.Duration) *Uploads {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Uploads{client: client, bucket: bucket, publicBase: publicBase, ttl: ttl, now: time.Now}
}

// Presign returns a one-off upload slot under meals/<uid>/<yyyy>/<mm>/.
func (u *Uploads) Presign(ctx context.Context, uid, contentType string) (Upload, error) {
	if u == nil {
		return Upload{}, apperr.Unavailable("Image uploads are not configured")
	}
	ext, ok := extensions[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		return Upload{}, apperr.InvalidArgument("contentType must be image/jpeg, image/png, image/webp or image/heic")
	}
	if uid == "" {
		return Upload{}, apperr.Unauthenticated("Missing caller identity")
	}

	now := u.now().UTC()
	key := fmt.Sprintf("meals/%s/%04d/%02d/%s.%s", url.PathEscape(uid), now.Year(), int(now.Month()), uuid.NewString(), ext)
	signed, err := u.client.PresignedPutObject(ctx, u.bucket, key, u.ttl)
	if err != nil {
		return Upload{}, fmt.Errorf("presign upload: %w", err)
	}
	return Upload{
		UploadURL: signed.String(),
		ObjectKey: key,
		PublicURL: u.publicBase + "/" + key,
		ExpiresAt: now.Add(u.ttl),
	}, nil
}
