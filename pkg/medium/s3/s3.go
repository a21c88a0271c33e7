// Package s3 provides a Medium whose volume image lives in a single S3
// object.
//
// S3 has no random-access writes, so the image is staged in a local
// cache file: Open downloads the object (or starts zero-filled when the
// object does not exist yet), reads and writes hit the cache file, and
// Sync uploads the whole image back with PutObject. Close implies a
// final Sync.
//
// This backend targets small volume images (the directory chain plus a
// modest number of fixed-size regions), where whole-image upload on
// sync is cheap and keeps the S3 side trivially consistent.
//
// Thread Safety:
// Safe for concurrent use. Sync takes the write lock, so an upload
// never sees a torn image.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nvmux/nvmux/internal/logger"
	"github.com/nvmux/nvmux/pkg/medium"
)

// Options configures an S3-backed medium.
type Options struct {
	// Client is the configured S3 client (required)
	Client *s3.Client

	// Bucket and Key locate the volume image object
	Bucket string
	Key    string

	// Size is the volume capacity in bytes. An existing object must be
	// exactly this size.
	Size uint64

	// CachePath is the local staging file. Empty selects a file in the
	// system temp directory.
	CachePath string
}

// Medium is the S3 implementation of medium.Medium.
type Medium struct {
	client *s3.Client
	bucket string
	key    string
	size   uint64

	mu     sync.RWMutex
	cache  *os.File
	dirty  bool
	closed bool
}

// Open downloads (or initializes) the volume image and stages it in the
// local cache file.
func Open(ctx context.Context, opts Options) (*Medium, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("s3 medium: client is required")
	}
	if opts.Bucket == "" || opts.Key == "" {
		return nil, fmt.Errorf("s3 medium: bucket and key are required")
	}
	if opts.Size == 0 {
		return nil, fmt.Errorf("s3 medium: size must be positive")
	}

	cachePath := opts.CachePath
	var cache *os.File
	var err error
	if cachePath == "" {
		cache, err = os.CreateTemp("", "nvmux-s3-*.img")
	} else {
		cache, err = os.OpenFile(cachePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	}
	if err != nil {
		return nil, fmt.Errorf("s3 medium: create cache file: %w", err)
	}

	m := &Medium{
		client: opts.Client,
		bucket: opts.Bucket,
		key:    opts.Key,
		size:   opts.Size,
		cache:  cache,
	}
	if err := m.download(ctx); err != nil {
		_ = cache.Close()
		_ = os.Remove(cache.Name())
		return nil, err
	}
	return m, nil
}

// download stages the object into the cache file. A missing object is a
// fresh volume: the cache is preallocated with zeros and uploaded on
// the first Sync.
func (m *Medium) download(ctx context.Context) error {
	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &m.bucket,
		Key:    &m.key,
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			logger.Info("s3 medium: object s3://%s/%s absent, starting fresh volume of %d bytes",
				m.bucket, m.key, m.size)
			if err := m.cache.Truncate(int64(m.size)); err != nil {
				return fmt.Errorf("s3 medium: preallocate cache: %w", err)
			}
			m.dirty = true
			return nil
		}
		return fmt.Errorf("s3 medium: download s3://%s/%s: %w", m.bucket, m.key, err)
	}
	defer result.Body.Close()

	n, err := io.Copy(m.cache, result.Body)
	if err != nil {
		return fmt.Errorf("s3 medium: stage s3://%s/%s: %w", m.bucket, m.key, err)
	}
	if uint64(n) != m.size {
		return fmt.Errorf("s3 medium: object s3://%s/%s is %d bytes, volume expects %d",
			m.bucket, m.key, n, m.size)
	}
	logger.Debug("s3 medium: staged %d bytes from s3://%s/%s", n, m.bucket, m.key)
	return nil
}

// Size returns the capacity in bytes.
func (m *Medium) Size() uint64 {
	return m.size
}

// ReadAt fills p from the staged image at addr.
func (m *Medium) ReadAt(ctx context.Context, p []byte, addr uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return medium.ErrClosed
	}
	if err := medium.CheckRange(m.size, addr, len(p)); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if _, err := m.cache.ReadAt(p, int64(addr)); err != nil {
		return fmt.Errorf("s3 medium: read %d bytes at %d: %w", len(p), addr, err)
	}
	return nil
}

// WriteAt stores p into the staged image at addr. The change reaches S3
// on the next Sync or Close.
func (m *Medium) WriteAt(ctx context.Context, p []byte, addr uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return medium.ErrClosed
	}
	if err := medium.CheckRange(m.size, addr, len(p)); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if _, err := m.cache.WriteAt(p, int64(addr)); err != nil {
		return fmt.Errorf("s3 medium: write %d bytes at %d: %w", len(p), addr, err)
	}
	m.dirty = true
	return nil
}

// Sync uploads the staged image when it has changed since the last
// upload.
func (m *Medium) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return medium.ErrClosed
	}
	return m.uploadLocked(ctx)
}

func (m *Medium) uploadLocked(ctx context.Context) error {
	if !m.dirty {
		return nil
	}

	image := make([]byte, m.size)
	if _, err := m.cache.ReadAt(image, 0); err != nil {
		return fmt.Errorf("s3 medium: read cache for upload: %w", err)
	}
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &m.bucket,
		Key:    &m.key,
		Body:   bytes.NewReader(image),
	})
	if err != nil {
		return fmt.Errorf("s3 medium: upload s3://%s/%s: %w", m.bucket, m.key, err)
	}
	m.dirty = false
	logger.Debug("s3 medium: uploaded %d bytes to s3://%s/%s", len(image), m.bucket, m.key)
	return nil
}

// Close uploads pending changes and removes the cache file. Close is
// idempotent.
func (m *Medium) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	uploadErr := m.uploadLocked(ctx)
	m.closed = true

	name := m.cache.Name()
	if err := m.cache.Close(); err != nil && uploadErr == nil {
		uploadErr = fmt.Errorf("s3 medium: close cache: %w", err)
	}
	if err := os.Remove(name); err != nil && uploadErr == nil {
		uploadErr = fmt.Errorf("s3 medium: remove cache: %w", err)
	}
	return uploadErr
}
