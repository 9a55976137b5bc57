package storage

import (
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/dsyorkd/pi-doser/internal/errors"
	applogger "github.com/dsyorkd/pi-doser/internal/logger"
)

// DefaultNamespace is the bucket holding doser state
const DefaultNamespace = "storage"

// KVConfig holds key/value store configuration
type KVConfig struct {
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	// Timeout bounds the wait for the file lock when another process holds it
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultKVConfig returns default key/value store configuration
func DefaultKVConfig() *KVConfig {
	return &KVConfig{
		Path:      "data/pi-doser.kv",
		Namespace: DefaultNamespace,
		Timeout:   time.Second,
	}
}

// KVStore is a bbolt backed string store with one bucket per namespace
type KVStore struct {
	db     *bbolt.DB
	bucket []byte
	logger applogger.Interface
}

// OpenKV opens or creates the store at config.Path
func OpenKV(config *KVConfig, logger applogger.Interface) (*KVStore, error) {
	if config == nil {
		config = DefaultKVConfig()
	}
	if config.Namespace == "" {
		config.Namespace = DefaultNamespace
	}
	logger = applogger.Component(logger, "kv")

	if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
		return nil, errors.Wrapf(err, "failed to create store directory")
	}

	db, err := bbolt.Open(config.Path, 0600, &bbolt.Options{Timeout: config.Timeout})
	if err != nil {
		return nil, errors.NewPersistenceError(config.Path, "open", err)
	}

	bucket := []byte(config.Namespace)
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.NewPersistenceError(config.Namespace, "create bucket", err)
	}

	logger.WithField("path", config.Path).WithField("namespace", config.Namespace).Info("Key/value store opened")
	return &KVStore{db: db, bucket: bucket, logger: logger}, nil
}

// Get returns the value for key and whether it was present
func (s *KVStore) Get(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return fmt.Errorf("bucket %q missing", s.bucket)
		}
		if v := b.Get([]byte(key)); v != nil {
			value = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, errors.NewPersistenceError(key, "get", err)
	}
	return value, found, nil
}

// Set stores value under key
func (s *KVStore) Set(key, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return errors.NewPersistenceError(key, "set", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *KVStore) Delete(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return errors.NewPersistenceError(key, "delete", err)
	}
	return nil
}

// Close releases the file lock
func (s *KVStore) Close() error {
	return s.db.Close()
}
