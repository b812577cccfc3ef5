package store

// Entity rows persisted in bbolt. All timestamps are integer microseconds
// since epoch. Bodies and subjects are AEAD ciphertext; plaintext never
// reaches disk.

// User is a registered account. The wrapped key is the user's encryption key
// AEAD-wrapped under the master key, so mail can be sealed for the user while
// they are offline.
type User struct {
	Name           string `json:"name"` // stored lowercase
	PasswordSalt   []byte `json:"password_salt"`
	PasswordHash   []byte `json:"password_hash"`
	WrappedKey     []byte `json:"wrapped_key"`
	CreatedMicros  int64  `json:"created_us"`
	LastSeenMicros int64  `json:"last_seen_us"`
	Admin          bool   `json:"admin"`
	Banned         bool   `json:"banned"`
	BanReason      string `json:"ban_reason,omitempty"`
	BanOrigin      string `json:"ban_origin,omitempty"`
	BanActor       string `json:"ban_actor,omitempty"`
	BanMicros      int64  `json:"ban_us,omitempty"`
	MustChangePass bool   `json:"must_change_pass,omitempty"`
	FailedLogins   int    `json:"failed_logins,omitempty"`
	LockoutUntil   int64  `json:"lockout_until_us,omitempty"`
}

// Node is a radio endpoint. Nodes exist independently of users.
type Node struct {
	ID              string  `json:"id"`
	DisplayName     string  `json:"display_name,omitempty"`
	FirstSeenMicros int64   `json:"first_seen_us"`
	LastSeenMicros  int64   `json:"last_seen_us"`
	LastSNR         float64 `json:"last_snr,omitempty"`
	LastRSSI        int     `json:"last_rssi,omitempty"`
}

// Binding links a user to a node. At most one primary per user.
type Binding struct {
	User         string `json:"user"`
	NodeID       string `json:"node_id"`
	Primary      bool   `json:"primary"`
	BoundMicros  int64  `json:"bound_us"`
}

// Message kinds.
const (
	KindMail     = "mail"
	KindBulletin = "bulletin"
)

// Outbound-mail delivery status values. Forwarded means every fragment was
// handed to the next hop and the end-to-end MAILDLV receipt is still out.
const (
	DeliveryPending   = "pending"
	DeliveryForwarded = "forwarded"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Message is a mail message or a bulletin post. The UUID is the global
// dedup key.
type Message struct {
	UUID      string `json:"uuid"`
	Kind      string `json:"kind"`
	OriginBBS string `json:"origin_bbs"`

	// Mail fields. Sender may be "user@BBS" for federated mail.
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`

	// Bulletin fields. Author may be "user@BBS" for federated posts.
	Board  string `json:"board,omitempty"`
	Author string `json:"author,omitempty"`

	SubjectEnc []byte `json:"subject_enc,omitempty"`
	BodyEnc    []byte `json:"body_enc"`

	CreatedMicros   int64 `json:"created_us"`
	UpdatedMicros   int64 `json:"updated_us"`
	DeliveredMicros int64 `json:"delivered_us,omitempty"`
	ReadMicros      int64 `json:"read_us,omitempty"`
	ExpiresMicros   int64 `json:"expires_us,omitempty"`

	// Outbound remote-mail tracking.
	DeliveryStatus string `json:"delivery_status,omitempty"`
	FailReason     string `json:"fail_reason,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`
	LastAttempt    int64  `json:"last_attempt_us,omitempty"`
	ForwardedTo    string `json:"forwarded_to,omitempty"`
	HopCount       int    `json:"hop_count,omitempty"`
	RemoteAddr     string `json:"remote_addr,omitempty"` // user@BBS for outbound remote mail
}

// Board types.
const (
	BoardPublic     = "public"
	BoardRestricted = "restricted"
)

// Board is a bulletin board. WrappedKey is the board key wrapped under the
// master key; restricted boards additionally wrap it under each grantee's
// user key in the access bucket.
type Board struct {
	Name          string `json:"name"` // stored lowercase
	Description   string `json:"description,omitempty"`
	Type          string `json:"type"`
	Synced        bool   `json:"synced"`
	WrappedKey    []byte `json:"wrapped_key"`
	CreatedMicros int64  `json:"created_us"`
	PendingCount  int    `json:"pending_count,omitempty"`
	LastSyncAt    int64  `json:"last_sync_us,omitempty"`
}

// Peer health states.
const (
	HealthUnknown     = "unknown"
	HealthAlive       = "alive"
	HealthUnreachable = "unreachable"
	HealthDead        = "dead"
)

// Peer is an operator-whitelisted remote BBS, keyed by transport node ID.
type Peer struct {
	NodeID           string  `json:"node_id"`
	Callsign         string  `json:"callsign"`
	Name             string  `json:"name,omitempty"`
	Enabled          bool    `json:"enabled"`
	Capabilities     string  `json:"capabilities,omitempty"`
	Health           string  `json:"health"`
	MissedHeartbeats int     `json:"missed_heartbeats"`
	TotalMisses      int     `json:"total_misses"`
	Quality          float64 `json:"quality"`
	LastRTTMicros    int64   `json:"last_rtt_us,omitempty"`
	LastSeenMicros   int64   `json:"last_seen_us,omitempty"`
	LastSyncMicros   int64   `json:"last_sync_us,omitempty"`
}

// Route is a distance-vector entry: destination callsign reached via a
// direct peer.
type Route struct {
	Dest          string  `json:"dest"` // stored uppercase
	NextHopNode   string  `json:"next_hop_node"`
	HopCount      int     `json:"hop_count"`
	Quality       float64 `json:"quality"`
	LearnedMicros int64   `json:"learned_us"`
	ExpiresMicros int64   `json:"expires_us"`
}

// Sync-log directions and statuses.
const (
	DirSent     = "sent"
	DirReceived = "received"

	SyncPending = "pending"
	SyncAcked   = "acked"
	SyncFailed  = "failed"
)

// SyncLogEntry tracks per-(message, peer, direction) replication state.
type SyncLogEntry struct {
	UUID        string `json:"uuid"`
	PeerNode    string `json:"peer_node"`
	Direction   string `json:"direction"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	LastAttempt int64  `json:"last_attempt_us"`
}
