// Package bolt provides a tagbox.BlobStore backed by a bbolt file, used to
// hold projection snapshots that are too large to travel inline
package bolt

import (
	"context"
	"fmt"
	"os"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/kode4food/tagbox"
)

// BlobStore keeps blobs in a single bucket of a bbolt database
type BlobStore struct {
	db     *bbolt.DB
	bucket []byte
}

const (
	// DefaultBucket names the bucket blobs are written to
	DefaultBucket = "tagbox-blobs"

	openTimeout = time.Second
	fileMode    = os.FileMode(0o600)
)

// Open opens or creates the database at path
func Open(path string) (*BlobStore, error) {
	db, err := bbolt.Open(path, fileMode, &bbolt.Options{
		Timeout: openTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	bucket := []byte(DefaultBucket)
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BlobStore{db: db, bucket: bucket}, nil
}

// Close closes the database
func (s *BlobStore) Close() error {
	return s.db.Close()
}

func (s *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), data)
	})
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var res []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(s.bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", tagbox.ErrBlobNotFound, key)
		}
		res = append([]byte(nil), data...)
		return nil
	})
	return res, err
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

// Keys lists the stored keys in order
func (s *BlobStore) Keys() ([]string, error) {
	var res []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, _ []byte) error {
			res = append(res, string(k))
			return nil
		})
	})
	return res, err
}
