package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Index keys sort by creation time: <owner>\x00<created_us padded>\x00<uuid>.
func indexKey(owner string, createdMicros int64, uuid string) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d\x00%s", owner, createdMicros, uuid))
}

// InsertMessage stores a message, indexing by recipient or board. Inserting
// a UUID that already exists is a no-op returning ErrDuplicateUUID; the
// existing row is untouched.
func (s *Store) InsertMessage(m *Message) error {
	if m.UUID == "" {
		return errors.New("message without uuid")
	}
	now := time.Now().UnixMicro()
	if m.CreatedMicros == 0 {
		m.CreatedMicros = now
	}
	m.UpdatedMicros = now
	return s.update(func(tx *bolt.Tx) error {
		messages := tx.Bucket(messagesBucket)
		key := []byte(m.UUID)
		if messages.Get(key) != nil {
			return ErrDuplicateUUID
		}
		if err := putJSON(messages, key, m); err != nil {
			return err
		}
		switch m.Kind {
		case KindMail:
			if m.Recipient != "" {
				idx := tx.Bucket(msgRecipientIdx)
				if err := idx.Put(indexKey(strings.ToLower(m.Recipient), m.CreatedMicros, m.UUID), key); err != nil {
					return err
				}
			}
		case KindBulletin:
			idx := tx.Bucket(msgBoardIdx)
			if err := idx.Put(indexKey(strings.ToLower(m.Board), m.CreatedMicros, m.UUID), key); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetMessage fetches a message by UUID.
func (s *Store) GetMessage(uuid string) (*Message, error) {
	var m Message
	err := s.view(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(messagesBucket), []byte(uuid), &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// HasMessage reports whether a UUID is already present.
func (s *Store) HasMessage(uuid string) (bool, error) {
	var present bool
	err := s.view(func(tx *bolt.Tx) error {
		present = tx.Bucket(messagesBucket).Get([]byte(uuid)) != nil
		return nil
	})
	return present, err
}

// UpdateMessage mutates an existing message row in place.
func (s *Store) UpdateMessage(uuid string, mutate func(*Message)) error {
	return s.update(func(tx *bolt.Tx) error {
		messages := tx.Bucket(messagesBucket)
		var m Message
		if err := getJSON(messages, []byte(uuid), &m); err != nil {
			return err
		}
		mutate(&m)
		m.UpdatedMicros = time.Now().UnixMicro()
		return putJSON(messages, []byte(uuid), &m)
	})
}

// DeleteMessage removes a message and its index entries.
func (s *Store) DeleteMessage(uuid string) error {
	return s.update(func(tx *bolt.Tx) error {
		messages := tx.Bucket(messagesBucket)
		var m Message
		if err := getJSON(messages, []byte(uuid), &m); err != nil {
			return err
		}
		switch m.Kind {
		case KindMail:
			if m.Recipient != "" {
				if err := tx.Bucket(msgRecipientIdx).Delete(indexKey(strings.ToLower(m.Recipient), m.CreatedMicros, m.UUID)); err != nil {
					return err
				}
			}
		case KindBulletin:
			if err := tx.Bucket(msgBoardIdx).Delete(indexKey(strings.ToLower(m.Board), m.CreatedMicros, m.UUID)); err != nil {
				return err
			}
		}
		return messages.Delete([]byte(uuid))
	})
}

// MailForUser returns a user's mail oldest-first. unreadOnly filters to
// messages never read.
func (s *Store) MailForUser(user string, unreadOnly bool, limit int) ([]*Message, error) {
	return s.indexed(msgRecipientIdx, strings.ToLower(user), limit, func(m *Message) bool {
		return !unreadOnly || m.ReadMicros == 0
	})
}

// BoardPosts returns a board's posts oldest-first, skipping the given
// offset, newest created after sinceMicros when nonzero.
func (s *Store) BoardPosts(board string, sinceMicros int64, limit int) ([]*Message, error) {
	return s.indexed(msgBoardIdx, strings.ToLower(board), limit, func(m *Message) bool {
		return m.CreatedMicros > sinceMicros
	})
}

func (s *Store) indexed(idxBucket []byte, owner string, limit int, keep func(*Message) bool) ([]*Message, error) {
	var out []*Message
	err := s.view(func(tx *bolt.Tx) error {
		messages := tx.Bucket(messagesBucket)
		return forEachPrefix(tx.Bucket(idxBucket), []byte(owner+"\x00"), func(uuidKey []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			raw := messages.Get(uuidKey)
			if raw == nil {
				return nil // index entry for a purged row
			}
			var m Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			if keep(&m) {
				out = append(out, &m)
			}
			return nil
		})
	})
	return out, err
}

// CountUnreadMail returns the number of unread mail messages for a user.
func (s *Store) CountUnreadMail(user string) (int, error) {
	msgs, err := s.MailForUser(user, true, 0)
	return len(msgs), err
}

// PendingOutboundMail returns remote mail still awaiting delivery,
// oldest-first, capped at limit.
func (s *Store) PendingOutboundMail(limit int) ([]*Message, error) {
	var out []*Message
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).ForEach(func(_, v []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Kind == KindMail && m.DeliveryStatus == DeliveryPending && m.RemoteAddr != "" {
				out = append(out, &m)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedMicros < out[j].CreatedMicros })
	return out, err
}

// MailSentBy returns mail authored by a local user, oldest-first. Outbound
// federated mail records the sender as user@CALLSIGN; both forms match.
func (s *Store) MailSentBy(user string, limit int) ([]*Message, error) {
	user = strings.ToLower(user)
	var out []*Message
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			sender := strings.ToLower(m.Sender)
			if m.Kind == KindMail && (sender == user || strings.HasPrefix(sender, user+"@")) {
				out = append(out, &m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedMicros < out[j].CreatedMicros })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExpireMessages deletes messages whose expiry has passed. Returns the
// number removed.
func (s *Store) ExpireMessages(nowMicros int64) (int, error) {
	var expired []string
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.ExpiresMicros > 0 && m.ExpiresMicros < nowMicros {
				expired = append(expired, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	for _, uuid := range expired {
		if err := s.DeleteMessage(uuid); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}
