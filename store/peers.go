package store

import (
	"encoding/json"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PutPeer upserts a peer row, keyed by transport node ID.
func (s *Store) PutPeer(p *Peer) error {
	if p.Health == "" {
		p.Health = HealthUnknown
	}
	if p.Quality == 0 {
		p.Quality = 1.0
	}
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(peersBucket), []byte(p.NodeID), p)
	})
}

// GetPeer looks up a peer by node ID.
func (s *Store) GetPeer(nodeID string) (*Peer, error) {
	var p Peer
	err := s.view(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(peersBucket), []byte(nodeID), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PeerByCallsign finds a peer by its case-insensitive callsign.
func (s *Store) PeerByCallsign(callsign string) (*Peer, error) {
	peers, err := s.ListPeers()
	if err != nil {
		return nil, err
	}
	for _, p := range peers {
		if strings.EqualFold(p.Callsign, callsign) {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

// ListPeers returns all peers.
func (s *Store) ListPeers() ([]*Peer, error) {
	var peers []*Peer
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).ForEach(func(_, v []byte) error {
			var p Peer
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			peers = append(peers, &p)
			return nil
		})
	})
	return peers, err
}

// UpdatePeer mutates a peer row in place.
func (s *Store) UpdatePeer(nodeID string, mutate func(*Peer)) error {
	return s.update(func(tx *bolt.Tx) error {
		peers := tx.Bucket(peersBucket)
		var p Peer
		if err := getJSON(peers, []byte(nodeID), &p); err != nil {
			return err
		}
		mutate(&p)
		return putJSON(peers, []byte(nodeID), &p)
	})
}

// DeletePeer removes a peer row.
func (s *Store) DeletePeer(nodeID string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).Delete([]byte(nodeID))
	})
}

// PutRoute installs or refreshes a route, keyed by uppercase destination
// callsign.
func (s *Store) PutRoute(r *Route) error {
	r.Dest = strings.ToUpper(r.Dest)
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(routesBucket), []byte(r.Dest), r)
	})
}

// GetRoute looks up a route by destination callsign.
func (s *Store) GetRoute(dest string) (*Route, error) {
	var r Route
	err := s.view(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(routesBucket), []byte(strings.ToUpper(dest)), &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRoutes returns all routes.
func (s *Store) ListRoutes() ([]*Route, error) {
	var routes []*Route
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(routesBucket).ForEach(func(_, v []byte) error {
			var r Route
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			routes = append(routes, &r)
			return nil
		})
	})
	return routes, err
}

// DeleteRoute removes a route.
func (s *Store) DeleteRoute(dest string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(routesBucket).Delete([]byte(strings.ToUpper(dest)))
	})
}

// ExpireRoutes removes routes past expiry. Returns the number removed.
func (s *Store) ExpireRoutes(nowMicros int64) (int, error) {
	routes, err := s.ListRoutes()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range routes {
		if r.ExpiresMicros > 0 && r.ExpiresMicros < nowMicros {
			if err := s.DeleteRoute(r.Dest); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// DeleteRoutesVia removes every route whose next hop is the given peer.
func (s *Store) DeleteRoutesVia(nodeID string) (int, error) {
	routes, err := s.ListRoutes()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range routes {
		if r.NextHopNode == nodeID {
			if err := s.DeleteRoute(r.Dest); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func syncLogKey(uuid, peerNode, direction string) []byte {
	return []byte(uuid + "\x00" + peerNode + "\x00" + direction)
}

// LogSync upserts a sync-log entry, bumping the attempt counter.
func (s *Store) LogSync(uuid, peerNode, direction, status string) error {
	now := time.Now().UnixMicro()
	return s.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(syncLogBucket)
		key := syncLogKey(uuid, peerNode, direction)
		entry := SyncLogEntry{UUID: uuid, PeerNode: peerNode, Direction: direction}
		if raw := bucket.Get(key); raw != nil {
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
		}
		entry.Status = status
		entry.Attempts++
		entry.LastAttempt = now
		return putJSON(bucket, key, &entry)
	})
}

// SyncStatus returns the status of a (uuid, peer, direction) entry, or ""
// if none exists.
func (s *Store) SyncStatus(uuid, peerNode, direction string) (string, error) {
	var status string
	err := s.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(syncLogBucket).Get(syncLogKey(uuid, peerNode, direction))
		if raw == nil {
			return nil
		}
		var entry SyncLogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		status = entry.Status
		return nil
	})
	return status, err
}
