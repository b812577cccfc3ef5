// Package store is the persistent layer: one bbolt database with a bucket
// per entity plus index buckets. All writes are serialized through bbolt's
// single writer; reads fan out freely.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/advbbs/advbbs/keyring"
)

var log = logrus.WithField("prefix", "store")

var (
	usersBucket       = []byte("users")
	nodesBucket       = []byte("nodes")
	bindingsBucket    = []byte("bindings")
	messagesBucket    = []byte("messages")
	msgRecipientIdx   = []byte("msg-by-recipient")
	msgBoardIdx       = []byte("msg-by-board")
	boardsBucket      = []byte("boards")
	boardAccessBucket = []byte("board-access")
	peersBucket       = []byte("peers")
	routesBucket      = []byte("routes")
	syncLogBucket     = []byte("sync-log")
	settingsBucket    = []byte("settings")
	migrationsBucket  = []byte("migrations")
)

var (
	masterSaltKey = []byte("master-salt")

	// ErrCorrupt is fatal at startup: the master-key salt is missing while
	// users exist, so every wrapped user key is unrecoverable. The salt is
	// never regenerated in that state.
	ErrCorrupt = errors.New("corrupt store: master-key salt missing while users exist")

	// ErrDuplicateUUID marks an insert of an already-present message.
	// Callers discard duplicates silently after updating the sync log.
	ErrDuplicateUUID = errors.New("message uuid already present")

	ErrNotFound = errors.New("not found")
)

const databaseFileName = "advbbs.db"

// Store wraps the bbolt database.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (or creates) the store at dirPath, creates buckets, runs
// forward-only migrations, and enforces the master-salt invariant.
func Open(dirPath string) (*Store, error) {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	datafile := filepath.Join(dirPath, databaseFileName)
	db, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}
	s := &Store{db: db, path: datafile}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		return createBuckets(tx,
			usersBucket, nodesBucket, bindingsBucket,
			messagesBucket, msgRecipientIdx, msgBoardIdx,
			boardsBucket, boardAccessBucket,
			peersBucket, routesBucket, syncLogBucket,
			settingsBucket, migrationsBucket,
		)
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func createBuckets(tx *bolt.Tx, buckets ...[]byte) error {
	for _, bucket := range buckets {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DatabasePath at which this store writes its file.
func (s *Store) DatabasePath() string {
	return s.path
}

func (s *Store) update(fn func(*bolt.Tx) error) error {
	return s.db.Update(fn)
}

func (s *Store) view(fn func(*bolt.Tx) error) error {
	return s.db.View(fn)
}

// migrate runs forward-only versioned migrations. Migration 1 generates the
// master salt; the row is immutable afterward. If users exist but the salt
// row is missing or empty, the store refuses to run: regenerating the salt
// would silently destroy all encrypted mail.
func (s *Store) migrate() error {
	return s.update(func(tx *bolt.Tx) error {
		settings := tx.Bucket(settingsBucket)
		users := tx.Bucket(usersBucket)

		salt := settings.Get(masterSaltKey)
		if len(salt) == 0 && users.Stats().KeyN > 0 {
			return ErrCorrupt
		}

		version := bucketVersion(tx)
		if version < 1 {
			if len(salt) == 0 {
				fresh, err := keyring.NewSalt()
				if err != nil {
					return err
				}
				if err := settings.Put(masterSaltKey, fresh); err != nil {
					return err
				}
				log.Info("generated master-key salt")
			}
			if err := setBucketVersion(tx, 1); err != nil {
				return err
			}
		}
		return nil
	})
}

func bucketVersion(tx *bolt.Tx) uint64 {
	raw := tx.Bucket(migrationsBucket).Get([]byte("version"))
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func setBucketVersion(tx *bolt.Tx, v uint64) error {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], v)
	return tx.Bucket(migrationsBucket).Put([]byte("version"), raw[:])
}

// MasterSalt returns the persistent master-key salt.
func (s *Store) MasterSalt() ([]byte, error) {
	var salt []byte
	err := s.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(settingsBucket).Get(masterSaltKey)
		if len(raw) == 0 {
			return ErrCorrupt
		}
		salt = append([]byte(nil), raw...)
		return nil
	})
	return salt, err
}

// GetSetting reads an opaque settings value, ErrNotFound when absent.
func (s *Store) GetSetting(key string) ([]byte, error) {
	var val []byte
	err := s.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(settingsBucket).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		val = append([]byte(nil), raw...)
		return nil
	})
	return val, err
}

// PutSetting writes an opaque settings value.
func (s *Store) PutSetting(key string, val []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(key), val)
	})
}

// Backup writes a whole-store snapshot to the given path. The settings
// bucket (and with it the master salt) always accompanies user rows.
func (s *Store) Backup(path string) error {
	return s.view(func(tx *bolt.Tx) error {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := tx.WriteTo(f); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		return nil
	})
}
