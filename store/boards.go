package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrSyncedBoardCap is returned when enabling sync would exceed the
// configured maximum of simultaneously synced boards.
var ErrSyncedBoardCap = errors.New("synced board limit reached")

// CreateBoard stores a new board. Names are case-insensitive.
func (s *Store) CreateBoard(b *Board) error {
	b.Name = strings.ToLower(b.Name)
	if b.CreatedMicros == 0 {
		b.CreatedMicros = time.Now().UnixMicro()
	}
	return s.update(func(tx *bolt.Tx) error {
		boards := tx.Bucket(boardsBucket)
		key := []byte(b.Name)
		if boards.Get(key) != nil {
			return fmt.Errorf("board %q already exists", b.Name)
		}
		return putJSON(boards, key, b)
	})
}

// GetBoard looks up a board by case-insensitive name.
func (s *Store) GetBoard(name string) (*Board, error) {
	var b Board
	err := s.view(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(boardsBucket), []byte(strings.ToLower(name)), &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// PutBoard overwrites a board row.
func (s *Store) PutBoard(b *Board) error {
	b.Name = strings.ToLower(b.Name)
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(boardsBucket), []byte(b.Name), b)
	})
}

// DeleteBoard removes a board row. Its posts expire separately.
func (s *Store) DeleteBoard(name string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(boardsBucket).Delete([]byte(strings.ToLower(name)))
	})
}

// ListBoards returns all boards.
func (s *Store) ListBoards() ([]*Board, error) {
	var boards []*Board
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(boardsBucket).ForEach(func(_, v []byte) error {
			var b Board
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			boards = append(boards, &b)
			return nil
		})
	})
	return boards, err
}

// SyncedBoards returns boards with the synced flag set.
func (s *Store) SyncedBoards() ([]*Board, error) {
	all, err := s.ListBoards()
	if err != nil {
		return nil, err
	}
	var synced []*Board
	for _, b := range all {
		if b.Synced {
			synced = append(synced, b)
		}
	}
	return synced, nil
}

// SetBoardSynced flips a board's synced flag, enforcing the cap on
// simultaneously synced boards.
func (s *Store) SetBoardSynced(name string, synced bool, maxSynced int) error {
	name = strings.ToLower(name)
	return s.update(func(tx *bolt.Tx) error {
		boards := tx.Bucket(boardsBucket)
		var b Board
		if err := getJSON(boards, []byte(name), &b); err != nil {
			return err
		}
		if synced && !b.Synced {
			count := 0
			if err := boards.ForEach(func(_, v []byte) error {
				var other Board
				if err := json.Unmarshal(v, &other); err != nil {
					return err
				}
				if other.Synced {
					count++
				}
				return nil
			}); err != nil {
				return err
			}
			if count >= maxSynced {
				return ErrSyncedBoardCap
			}
		}
		b.Synced = synced
		return putJSON(boards, []byte(name), &b)
	})
}

func accessKey(board, user string) []byte {
	return []byte(strings.ToLower(board) + "\x00" + strings.ToLower(user))
}

// GrantBoardAccess stores the board key wrapped under a grantee's user key.
func (s *Store) GrantBoardAccess(board, user string, wrappedKey []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(boardAccessBucket).Put(accessKey(board, user), wrappedKey)
	})
}

// BoardAccessKey fetches a grantee's wrapped board key.
func (s *Store) BoardAccessKey(board, user string) ([]byte, error) {
	var wrapped []byte
	err := s.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boardAccessBucket).Get(accessKey(board, user))
		if raw == nil {
			return ErrNotFound
		}
		wrapped = append([]byte(nil), raw...)
		return nil
	})
	return wrapped, err
}

// RevokeBoardAccess removes a grantee's wrapped board key.
func (s *Store) RevokeBoardAccess(board, user string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(boardAccessBucket).Delete(accessKey(board, user))
	})
}
