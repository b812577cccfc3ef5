// Package session handles accounts and authentication: registration, login
// with node-binding as a second factor, lockout, per-node session state, and
// the runtime key custodian.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/advbbs/advbbs/keyring"
	"github.com/advbbs/advbbs/store"
)

var log = logrus.WithField("prefix", "session")

const (
	DefaultTimeout    = 30 * time.Minute
	DefaultMaxFails   = 5
	DefaultLockout    = 15 * time.Minute
	minPasswordLen    = 6
	tempPasswordBytes = 4

	// Per-node login budget, independent of the per-user lockout. One
	// node spraying attempts across many usernames hits this first.
	loginWindow            = time.Minute
	loginAttemptsPerWindow = 10
)

// Registration modes.
const (
	RegistrationOpen      = "open"
	RegistrationClosed    = "closed"
	RegistrationWhitelist = "whitelist"
)

var (
	ErrBadCredentials     = errors.New("invalid username or password")
	ErrLockedOut          = errors.New("account temporarily locked")
	ErrBanned             = errors.New("account is banned")
	ErrNotBound           = errors.New("node is not bound to this account")
	ErrRegistrationClosed = errors.New("registration is closed")
	ErrNotWhitelisted     = errors.New("username is not on the registration whitelist")
	ErrUserCapReached     = errors.New("user limit reached")
	ErrTooManyAttempts    = errors.New("too many login attempts, try again in a minute")
	ErrBadUsername        = errors.New("username must be 2-16 letters or digits")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", minPasswordLen)
	ErrNotLoggedIn        = errors.New("not logged in")
)

var usernameRe = regexp.MustCompile(`^[a-z0-9]{2,16}$`)

// Session is one authenticated node.
type Session struct {
	User           string
	Admin          bool
	MustChangePass bool
	LoginAt        time.Time
	LastActive     time.Time
}

// Manager owns per-node sessions and the account lifecycle.
type Manager struct {
	st           *store.Store
	ring         *Ring
	params       keyring.Params
	timeout      time.Duration
	maxFails     int
	lockout      time.Duration
	registration string
	whitelist    map[string]bool
	maxUsers     int
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	attempts map[string][]time.Time // nodeID -> recent login attempts
}

func NewManager(st *store.Store, ring *Ring, params keyring.Params, registration string) *Manager {
	if registration == "" {
		registration = RegistrationOpen
	}
	return &Manager{
		st:           st,
		ring:         ring,
		params:       params,
		timeout:      DefaultTimeout,
		maxFails:     DefaultMaxFails,
		lockout:      DefaultLockout,
		registration: registration,
		now:          time.Now,
		sessions:     make(map[string]*Session),
		attempts:     make(map[string][]time.Time),
	}
}

// SetRegistrationPolicy installs the username whitelist (used only in
// whitelist mode) and the account cap. maxUsers 0 means unlimited.
func (m *Manager) SetRegistrationPolicy(whitelist []string, maxUsers int) {
	m.whitelist = make(map[string]bool, len(whitelist))
	for _, name := range whitelist {
		m.whitelist[normalizeName(name)] = true
	}
	m.maxUsers = maxUsers
}

// Configure overrides the idle timeout and lockout policy. Zero values keep
// the defaults.
func (m *Manager) Configure(timeout time.Duration, maxFails int, lockout time.Duration) {
	if timeout > 0 {
		m.timeout = timeout
	}
	if maxFails > 0 {
		m.maxFails = maxFails
	}
	if lockout > 0 {
		m.lockout = lockout
	}
}

// Register creates an account bound to the registering node and logs it in.
// The first account on a fresh system becomes admin and registers even when
// registration is closed.
func (m *Manager) Register(nodeID, name, password string) (*Session, error) {
	name = normalizeName(name)
	if !usernameRe.MatchString(name) {
		return nil, ErrBadUsername
	}
	if len(password) < minPasswordLen {
		return nil, ErrWeakPassword
	}
	count, err := m.st.UserCount()
	if err != nil {
		return nil, err
	}
	first := count == 0
	if !first {
		switch m.registration {
		case RegistrationClosed:
			return nil, ErrRegistrationClosed
		case RegistrationWhitelist:
			if !m.whitelist[name] {
				return nil, ErrNotWhitelisted
			}
		}
		if m.maxUsers > 0 && count >= m.maxUsers {
			return nil, ErrUserCapReached
		}
	}

	verifier, err := keyring.NewVerifier(password, m.params)
	if err != nil {
		return nil, err
	}
	wrapped, err := m.ring.NewWrappedKey()
	if err != nil {
		return nil, err
	}
	u := &store.User{
		Name:         name,
		PasswordSalt: verifier.Salt,
		PasswordHash: verifier.Hash,
		WrappedKey:   wrapped,
		Admin:        first,
	}
	if err := m.st.CreateUser(u, nodeID); err != nil {
		return nil, err
	}
	if first {
		log.WithField("user", name).Warn("first account registered, granted admin")
	} else {
		log.WithField("user", name).Info("account registered")
	}
	return m.open(nodeID, u), nil
}

// Login authenticates name+password from a node. The node must already be
// bound to the account; binding is the second factor.
func (m *Manager) Login(nodeID, name, password string) (*Session, error) {
	if !m.allowAttempt(nodeID) {
		log.WithField("node", nodeID).Warn("login attempts throttled")
		return nil, ErrTooManyAttempts
	}
	name = normalizeName(name)
	u, err := m.st.GetUser(name)
	if err != nil {
		return nil, ErrBadCredentials
	}
	if u.Banned {
		return nil, ErrBanned
	}
	now := m.now()
	if u.LockoutUntil > now.UnixMicro() {
		return nil, ErrLockedOut
	}
	bound, err := m.st.IsBound(name, nodeID)
	if err != nil {
		return nil, err
	}
	if !bound {
		log.WithFields(logrus.Fields{"user": name, "node": nodeID}).Warn("login from unbound node")
		return nil, ErrNotBound
	}

	v := keyring.Verifier{Salt: u.PasswordSalt, Hash: u.PasswordHash}
	if !v.Check(password, m.params) {
		m.recordFailure(u)
		return nil, ErrBadCredentials
	}

	u.FailedLogins = 0
	u.LockoutUntil = 0
	u.LastSeenMicros = now.UnixMicro()
	if err := m.st.PutUser(u); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"user": name, "node": nodeID}).Info("login")
	return m.open(nodeID, u), nil
}

// allowAttempt charges one login attempt against the node's sliding-window
// budget.
func (m *Manager) allowAttempt(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-loginWindow)
	kept := m.attempts[nodeID][:0]
	for _, ts := range m.attempts[nodeID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= loginAttemptsPerWindow {
		m.attempts[nodeID] = kept
		return false
	}
	m.attempts[nodeID] = append(kept, now)
	return true
}

func (m *Manager) recordFailure(u *store.User) {
	u.FailedLogins++
	if u.FailedLogins >= m.maxFails {
		u.LockoutUntil = m.now().Add(m.lockout).UnixMicro()
		u.FailedLogins = 0
		log.WithField("user", u.Name).Warn("account locked after repeated failures")
	}
	if err := m.st.PutUser(u); err != nil {
		log.WithError(err).Error("recording failed login")
	}
}

func (m *Manager) open(nodeID string, u *store.User) *Session {
	now := m.now()
	s := &Session{
		User:           u.Name,
		Admin:          u.Admin,
		MustChangePass: u.MustChangePass,
		LoginAt:        now,
		LastActive:     now,
	}
	m.mu.Lock()
	m.sessions[nodeID] = s
	m.mu.Unlock()
	return s
}

// Get returns the live session for a node, refreshing its idle timer, or nil
// when none exists or it has idled out.
func (m *Manager) Get(nodeID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[nodeID]
	if !ok {
		return nil
	}
	now := m.now()
	if now.Sub(s.LastActive) > m.timeout {
		delete(m.sessions, nodeID)
		return nil
	}
	s.LastActive = now
	return s
}

// Logout drops a node's session.
func (m *Manager) Logout(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[nodeID]
	delete(m.sessions, nodeID)
	return ok
}

// LogoutUser drops every session belonging to a user, e.g. after a ban.
func (m *Manager) LogoutUser(user string) {
	user = normalizeName(user)
	m.mu.Lock()
	defer m.mu.Unlock()
	for nodeID, s := range m.sessions {
		if s.User == user {
			delete(m.sessions, nodeID)
		}
	}
}

// SessionsFor returns the node IDs with a live session for the user.
func (m *Manager) SessionsFor(user string) []string {
	user = normalizeName(user)
	m.mu.Lock()
	defer m.mu.Unlock()
	var nodes []string
	for nodeID, s := range m.sessions {
		if s.User == user {
			nodes = append(nodes, nodeID)
		}
	}
	return nodes
}

// ActiveUsers returns the distinct usernames with a live session, sorted.
func (m *Manager) ActiveUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	seen := make(map[string]bool)
	var names []string
	for _, s := range m.sessions {
		if now.Sub(s.LastActive) > m.timeout || seen[s.User] {
			continue
		}
		seen[s.User] = true
		names = append(names, s.User)
	}
	sort.Strings(names)
	return names
}

// Sweep drops idle sessions and stale attempt records. Returns the number
// of sessions dropped.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	dropped := 0
	for nodeID, s := range m.sessions {
		if now.Sub(s.LastActive) > m.timeout {
			delete(m.sessions, nodeID)
			dropped++
		}
	}
	cutoff := now.Add(-loginWindow)
	for nodeID, attempts := range m.attempts {
		kept := attempts[:0]
		for _, ts := range attempts {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(m.attempts, nodeID)
		} else {
			m.attempts[nodeID] = kept
		}
	}
	return dropped
}

// ChangePassword verifies the old password and installs a new verifier. The
// user's encryption key is wrapped under the master key, not the password,
// so no data rewrap is needed.
func (m *Manager) ChangePassword(name, oldPassword, newPassword string) error {
	name = normalizeName(name)
	if len(newPassword) < minPasswordLen {
		return ErrWeakPassword
	}
	u, err := m.st.GetUser(name)
	if err != nil {
		return ErrBadCredentials
	}
	v := keyring.Verifier{Salt: u.PasswordSalt, Hash: u.PasswordHash}
	if !v.Check(oldPassword, m.params) {
		return ErrBadCredentials
	}
	fresh, err := keyring.NewVerifier(newPassword, m.params)
	if err != nil {
		return err
	}
	u.PasswordSalt = fresh.Salt
	u.PasswordHash = fresh.Hash
	u.MustChangePass = false
	if err := m.st.PutUser(u); err != nil {
		return err
	}
	m.mu.Lock()
	for _, s := range m.sessions {
		if s.User == name {
			s.MustChangePass = false
		}
	}
	m.mu.Unlock()
	log.WithField("user", name).Info("password changed")
	return nil
}

// Recover resets an account with a one-time temporary password. The account
// must change it at next login. Lockout state clears.
func (m *Manager) Recover(name string) (string, error) {
	name = normalizeName(name)
	u, err := m.st.GetUser(name)
	if err != nil {
		return "", err
	}
	raw := make([]byte, tempPasswordBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	temp := hex.EncodeToString(raw)
	v, err := keyring.NewVerifier(temp, m.params)
	if err != nil {
		return "", err
	}
	u.PasswordSalt = v.Salt
	u.PasswordHash = v.Hash
	u.MustChangePass = true
	u.FailedLogins = 0
	u.LockoutUntil = 0
	if err := m.st.PutUser(u); err != nil {
		return "", err
	}
	m.LogoutUser(name)
	log.WithField("user", name).Warn("account recovered with temporary password")
	return temp, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
