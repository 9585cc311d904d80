package data

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Buckets of data/helix_state.db.
var (
	BucketFileHashes = []byte("file_hashes")
	BucketProcedural = []byte("procedural")
)

// KV is the bbolt-backed key/value state store.
type KV struct {
	db *bbolt.DB
}

// OpenKV opens (or creates) the state database and its buckets.
func OpenKV(path string) (*KV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{BucketFileHashes, BucketProcedural} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &KV{db: db}, nil
}

// Close closes the database.
func (k *KV) Close() error { return k.db.Close() }

// Get returns the raw value of key, or ErrNotFound.
func (k *KV) Get(bucket []byte, key string) ([]byte, error) {
	var out []byte
	err := k.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// GetJSON decodes the value of key into out.
func (k *KV) GetJSON(bucket []byte, key string, out any) error {
	v, err := k.Get(bucket, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(v, out)
}

// PutJSON stores v under key.
func (k *KV) PutJSON(bucket []byte, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return k.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), b)
	})
}

// Delete removes key.
func (k *KV) Delete(bucket []byte, key string) error {
	return k.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Strings returns every key/value of bucket as strings.
func (k *KV) Strings(bucket []byte) (map[string]string, error) {
	out := map[string]string{}
	err := k.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(key, v []byte) error {
			out[string(key)] = string(v)
			return nil
		})
	})
	return out, err
}

// ForEachJSON decodes every value of bucket into a fresh T.
func ForEachJSON[T any](k *KV, bucket []byte, fn func(key string, v T) error) error {
	return k.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(key, raw []byte) error {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil
			}
			return fn(string(key), v)
		})
	})
}

// ApplyStrings writes puts and removes deletes in one transaction.
func (k *KV) ApplyStrings(bucket []byte, puts map[string]string, deletes []string) error {
	return k.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		for key, v := range puts {
			if err := b.Put([]byte(key), []byte(v)); err != nil {
				return err
			}
		}
		for _, key := range deletes {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}
