// Package blobstore stores referral attachments and issues time-limited
// download links for them.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingKey         = errors.New("blob key is required")
)

// MaxFileSize is the maximum allowed attachment size in bytes (25 MB).
const MaxFileSize = 25 * 1024 * 1024

// DefaultLinkTTL is how long a download link stays valid.
const DefaultLinkTTL = 15 * time.Minute

// AllowedContentTypes lists the attachment types referrals arrive with.
var AllowedContentTypes = map[string]bool{
	"application/pdf":    true,
	"image/png":          true,
	"image/jpeg":         true,
	"image/tiff":         true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"text/plain": true,
}

// Object describes a stored attachment.
type Object struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Store is implemented by attachment backends.
type Store interface {
	Put(ctx context.Context, key, contentType string, content io.Reader) (*Object, error)
	// PresignGet returns a link that downloads key as fileName until ttl elapses.
	PresignGet(ctx context.Context, key, fileName string, ttl time.Duration) (string, error)
}

// ValidateUpload checks the parts of an upload that do not depend on the
// backend.
func ValidateUpload(key, contentType string) error {
	if strings.TrimSpace(key) == "" {
		return ErrMissingKey
	}
	base, _, _ := strings.Cut(contentType, ";")
	if !AllowedContentTypes[strings.TrimSpace(base)] {
		return fmt.Errorf("%w: %s", ErrInvalidContentType, contentType)
	}
	return nil
}

// AttachmentKey builds the object key for an attachment of a request.
func AttachmentKey(requestID string, index int, fileName string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, fileName)
	return fmt.Sprintf("requests/%s/%02d-%s", requestID, index, name)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	object  Object
	content []byte
}

// InMemoryStore is a thread-safe Store for tests and local development.
type InMemoryStore struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	baseURL string
	nowFn   func() time.Time
}

func NewInMemoryStore(baseURL string) *InMemoryStore {
	return &InMemoryStore{blobs: make(map[string]*storedBlob), baseURL: baseURL, nowFn: time.Now}
}

func (s *InMemoryStore) Put(_ context.Context, key, contentType string, content io.Reader) (*Object, error) {
	if err := ValidateUpload(key, contentType); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	obj := Object{Key: key, ContentType: contentType, Size: int64(len(data))}
	s.mu.Lock()
	s.blobs[key] = &storedBlob{object: obj, content: data}
	s.mu.Unlock()
	return &obj, nil
}

func (s *InMemoryStore) PresignGet(_ context.Context, key, fileName string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return "", ErrBlobNotFound
	}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(s.nowFn().Add(ttl).Unix(), 10))
	q.Set("filename", fileName)
	return s.baseURL + "/" + url.PathEscape(key) + "?" + q.Encode(), nil
}

// Open returns the stored bytes of key.
func (s *InMemoryStore) Open(key string) (io.Reader, *Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	obj := b.object
	return bytes.NewReader(b.content), &obj, nil
}
