package gcs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
)

const method = "PUT"

// Document kinds a user may upload for KYC.
const (
	DocumentIDFront = "id_front"
	DocumentIDBack  = "id_back"
	DocumentSelfie  = "selfie"
	DocumentDOB     = "dob_document"
)

var documentKinds = map[string]bool{
	DocumentIDFront: true,
	DocumentIDBack:  true,
	DocumentSelfie:  true,
	DocumentDOB:     true,
}

var contentTypeExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"application/pdf": ".pdf",
}

var (
	ErrUnknownDocument     = errors.New("unknown document kind")
	ErrUnsupportedDocument = errors.New("unsupported content type")
)

type UploadURL struct {
	URL        string    `json:"url"`
	ObjectName string    `json:"object_name"`
	ObjectURL  string    `json:"object_url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Signer issues V4 signed PUT URLs for KYC document uploads.
type Signer struct {
	bucketName string
	ttl        time.Duration
	client     *storage.Client
	sign       func(objectName string, opts *storage.SignedURLOptions) (string, error)
	now        func() time.Time
}

// NewSigner signs with the ambient Google credentials.
func NewSigner(ctx context.Context, bucketName string, ttl time.Duration) (*Signer, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	bucket := client.Bucket(bucketName)
	return &Signer{
		bucketName: bucketName,
		ttl:        ttl,
		client:     client,
		sign:       bucket.SignedURL,
		now:        time.Now,
	}, nil
}

// NewKeySigner signs with an explicit service account key.
func NewKeySigner(bucketName, accessID string, privateKeyPEM []byte, ttl time.Duration) *Signer {
	return &Signer{
		bucketName: bucketName,
		ttl:        ttl,
		sign: func(objectName string, opts *storage.SignedURLOptions) (string, error) {
			opts.GoogleAccessID = accessID
			opts.PrivateKey = privateKeyPEM
			return storage.SignedURL(bucketName, objectName, opts)
		},
		now: time.Now,
	}
}

func (s *Signer) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Signer) SignedUploadURL(ctx context.Context, email, document, contentType string) (*UploadURL, error) {
	if !documentKinds[document] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDocument, document)
	}
	ext, ok := contentTypeExtensions[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDocument, contentType)
	}

	objectName := ObjectName(email, document, ext)
	expiresAt := s.now().Add(s.ttl)
	url, err := s.sign(objectName, &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      method,
		Expires:     expiresAt,
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return &UploadURL{
		URL:        url,
		ObjectName: objectName,
		ObjectURL:  fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucketName, objectName),
		ExpiresAt:  expiresAt,
	}, nil
}

// ObjectName places each upload under the user's folder with a fresh id so
// re-uploads never overwrite earlier evidence. extension includes the dot.
func ObjectName(email, document, extension string) string {
	folder := strings.NewReplacer("@", "_at_", "/", "_").Replace(strings.ToLower(email))
	return path.Join("kyc", folder, document+"-"+uuid.New().String()+extension)
}
