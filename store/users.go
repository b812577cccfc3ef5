package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrLastBinding is returned when removing a binding would leave a user
// with no bound nodes.
var ErrLastBinding = errors.New("cannot remove a user's last node binding")

// CreateUser atomically creates the user and their first node binding; the
// registering node becomes primary. Names are case-insensitive.
func (s *Store) CreateUser(u *User, nodeID string) error {
	u.Name = strings.ToLower(u.Name)
	now := time.Now().UnixMicro()
	if u.CreatedMicros == 0 {
		u.CreatedMicros = now
	}
	return s.update(func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket)
		key := []byte(u.Name)
		if users.Get(key) != nil {
			return fmt.Errorf("user %q already exists", u.Name)
		}
		if err := putJSON(users, key, u); err != nil {
			return err
		}
		if err := touchNode(tx, nodeID, now); err != nil {
			return err
		}
		b := Binding{User: u.Name, NodeID: nodeID, Primary: true, BoundMicros: now}
		return putJSON(tx.Bucket(bindingsBucket), bindingKey(u.Name, nodeID), &b)
	})
}

// GetUser looks up a user by case-insensitive name.
func (s *Store) GetUser(name string) (*User, error) {
	var u User
	err := s.view(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(usersBucket), []byte(strings.ToLower(name)), &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// PutUser overwrites a user row.
func (s *Store) PutUser(u *User) error {
	u.Name = strings.ToLower(u.Name)
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(usersBucket), []byte(u.Name), u)
	})
}

// UserCount returns the number of registered users.
func (s *Store) UserCount() (int, error) {
	var n int
	err := s.view(func(tx *bolt.Tx) error {
		n = tx.Bucket(usersBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// ListUsers returns all users.
func (s *Store) ListUsers() ([]*User, error) {
	var users []*User
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(_, v []byte) error {
			var u User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			users = append(users, &u)
			return nil
		})
	})
	return users, err
}

// TouchNode records that a node was heard from, creating it on first sight.
func (s *Store) TouchNode(nodeID string) error {
	now := time.Now().UnixMicro()
	return s.update(func(tx *bolt.Tx) error {
		return touchNode(tx, nodeID, now)
	})
}

func touchNode(tx *bolt.Tx, nodeID string, now int64) error {
	nodes := tx.Bucket(nodesBucket)
	key := []byte(nodeID)
	var n Node
	if raw := nodes.Get(key); raw != nil {
		if err := json.Unmarshal(raw, &n); err != nil {
			return err
		}
	} else {
		n = Node{ID: nodeID, FirstSeenMicros: now}
	}
	n.LastSeenMicros = now
	return putJSON(nodes, key, &n)
}

// GetNode looks up a node by ID.
func (s *Store) GetNode(nodeID string) (*Node, error) {
	var n Node
	err := s.view(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(nodesBucket), []byte(nodeID), &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func bindingKey(user, nodeID string) []byte {
	return []byte(user + "\x00" + nodeID)
}

// AddBinding binds a node to a user.
func (s *Store) AddBinding(user, nodeID string) error {
	user = strings.ToLower(user)
	now := time.Now().UnixMicro()
	return s.update(func(tx *bolt.Tx) error {
		if tx.Bucket(usersBucket).Get([]byte(user)) == nil {
			return ErrNotFound
		}
		if err := touchNode(tx, nodeID, now); err != nil {
			return err
		}
		b := Binding{User: user, NodeID: nodeID, BoundMicros: now}
		return putJSON(tx.Bucket(bindingsBucket), bindingKey(user, nodeID), &b)
	})
}

// RemoveBinding unbinds a node. Removing the last binding is forbidden;
// removing the caller's current node is the caller's responsibility to
// reject before reaching the store.
func (s *Store) RemoveBinding(user, nodeID string) error {
	user = strings.ToLower(user)
	return s.update(func(tx *bolt.Tx) error {
		bindings := tx.Bucket(bindingsBucket)
		key := bindingKey(user, nodeID)
		if bindings.Get(key) == nil {
			return ErrNotFound
		}
		n, err := countBindings(bindings, user)
		if err != nil {
			return err
		}
		if n <= 1 {
			return ErrLastBinding
		}
		return bindings.Delete(key)
	})
}

// UserBindings returns all bindings for a user.
func (s *Store) UserBindings(user string) ([]Binding, error) {
	user = strings.ToLower(user)
	var out []Binding
	err := s.view(func(tx *bolt.Tx) error {
		return forEachPrefix(tx.Bucket(bindingsBucket), []byte(user+"\x00"), func(v []byte) error {
			var b Binding
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

// IsBound reports whether nodeID is bound to user.
func (s *Store) IsBound(user, nodeID string) (bool, error) {
	var bound bool
	err := s.view(func(tx *bolt.Tx) error {
		bound = tx.Bucket(bindingsBucket).Get(bindingKey(strings.ToLower(user), nodeID)) != nil
		return nil
	})
	return bound, err
}

func countBindings(bindings *bolt.Bucket, user string) (int, error) {
	n := 0
	err := forEachPrefix(bindings, []byte(user+"\x00"), func([]byte) error {
		n++
		return nil
	})
	return n, err
}

func forEachPrefix(b *bolt.Bucket, prefix []byte, fn func(v []byte) error) error {
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	raw := b.Get(key)
	if raw == nil {
		return ErrNotFound
	}
	return json.Unmarshal(raw, v)
}
