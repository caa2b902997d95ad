package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

// maxFetchBytes caps provider downloads persisted via FetchAndPut.
const maxFetchBytes = 256 << 20

// Options configure the artifact store.
type Options struct {
	Env         string
	Endpoint    string
	Region      string
	AccessKey   string
	SecretKey   string
	UserBucket  string
	AdminBucket string
	UserOrigin  string
	AdminOrigin string
	SigningKey  string
}

// Store implements domain.ArtifactStore over two private bucket pairs each
// fronted by a signed CDN origin.
type Store struct {
	client   *s3.Client
	presign  *s3.PresignClient
	opts     Options
	signer   *Signer
	httpc    *http.Client
	uploadID func() string
}

// New builds the store from config. Endpoint may point to any S3-compatible
// service.
func New(ctx context.Context, o Options) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(o.Region),
	}
	if o.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("op=storage.new: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
			so.UsePathStyle = true
		}
	})
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec
	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		opts:    o,
		signer:  NewSigner(o.SigningKey, o.UserOrigin, o.AdminOrigin),
		httpc:   &http.Client{Timeout: 2 * time.Minute},
		uploadID: func() string {
			return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
		},
	}, nil
}

func (s *Store) bucket(kind domain.OwnerKind) string {
	if kind == domain.OwnerAdmin {
		return s.opts.AdminBucket
	}
	return s.opts.UserBucket
}

func (s *Store) origin(kind domain.OwnerKind) string {
	if kind == domain.OwnerAdmin {
		return s.opts.AdminOrigin
	}
	return s.opts.UserOrigin
}

// Put writes body under the artifact key and returns the unsigned CDN URL.
func (s *Store) Put(ctx domain.Context, ref domain.ArtifactRef, contentType string, body []byte) (string, error) {
	tracer := otel.Tracer("storage.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.Put")
	defer span.End()
	key := ref.Key()
	if contentType == "" {
		contentType = ContentTypeFor(ref.Ext, body)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket(ref.OwnerKind)),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("op=storage.put: %w", err)
	}
	return s.origin(ref.OwnerKind) + "/" + key, nil
}

// FetchAndPut downloads an expiring provider URL and persists the bytes under
// the artifact key.
func (s *Store) FetchAndPut(ctx domain.Context, ref domain.ArtifactRef, sourceURL string) (string, error) {
	tracer := otel.Tracer("storage.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.FetchAndPut")
	defer span.End()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("op=storage.fetch: %w", err)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=storage.fetch: %w: %v", domain.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("op=storage.fetch: %w: status %d", domain.ErrUpstream, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("op=storage.fetch: %w", err)
	}
	return s.Put(ctx, ref, ContentTypeFor(ref.Ext, body), body)
}

// Sign converts an unsigned CDN URL into its expiring signed variant. No-op
// for URLs outside the configured origins or already signed.
func (s *Store) Sign(unsignedURL string, ttl time.Duration) string {
	return s.signer.Sign(unsignedURL, ttl)
}

// PresignUpload issues a presigned PUT for user-provided inputs under the
// owner's uploads prefix, and returns the eventual unsigned object URL.
func (s *Store) PresignUpload(ctx domain.Context, kind domain.OwnerKind, ownerID, filename string, ttl time.Duration) (string, string, error) {
	tracer := otel.Tracer("storage.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.PresignUpload")
	defer span.End()
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	clean := strings.ToLower(path.Base(filename))
	key := fmt.Sprintf("%s/%s/%s/uploads/%s-%s", s.opts.Env, kind.PathSegment(), ownerID, s.uploadID(), clean)
	out, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket(kind)),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", "", fmt.Errorf("op=storage.presign: %w", err)
	}
	return out.URL, s.origin(kind) + "/" + key, nil
}
