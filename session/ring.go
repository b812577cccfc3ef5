package session

import (
	"errors"
	"strings"

	"github.com/advbbs/advbbs/keyring"
	"github.com/advbbs/advbbs/store"
)

const (
	masterCheckSetting = "master-check"
	spoolKeySetting    = "spool-key"
)

// Ring is the runtime key custodian. It derives the master key from the
// operator passphrase at startup, authenticates it against a stored canary,
// and unwraps per-user, per-board, and spool keys on demand. The master key
// never leaves this struct and is never persisted.
type Ring struct {
	st     *store.Store
	master []byte
	spool  []byte
}

// OpenRing derives and verifies the master key. On first boot it plants the
// canary and generates the spool key; afterwards a wrong passphrase fails
// with keyring.ErrWrongPassphrase before any data is touched.
func OpenRing(st *store.Store, passphrase string, params keyring.Params) (*Ring, error) {
	salt, err := st.MasterSalt()
	if err != nil {
		return nil, err
	}
	master := keyring.DeriveKey(passphrase, salt, params)

	canary, err := st.GetSetting(masterCheckSetting)
	switch {
	case errors.Is(err, store.ErrNotFound):
		probe, err := keyring.NewKey()
		if err != nil {
			return nil, err
		}
		wrapped, err := keyring.WrapKey(probe, master)
		if err != nil {
			return nil, err
		}
		if err := st.PutSetting(masterCheckSetting, wrapped); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if _, err := keyring.UnwrapKey(canary, master); err != nil {
			keyring.Zero(master)
			return nil, err
		}
	}

	spool, err := loadOrCreateWrapped(st, spoolKeySetting, master)
	if err != nil {
		keyring.Zero(master)
		return nil, err
	}
	return &Ring{st: st, master: master, spool: spool}, nil
}

func loadOrCreateWrapped(st *store.Store, setting string, master []byte) ([]byte, error) {
	wrapped, err := st.GetSetting(setting)
	if errors.Is(err, store.ErrNotFound) {
		key, err := keyring.NewKey()
		if err != nil {
			return nil, err
		}
		wrapped, err := keyring.WrapKey(key, master)
		if err != nil {
			return nil, err
		}
		return key, st.PutSetting(setting, wrapped)
	}
	if err != nil {
		return nil, err
	}
	return keyring.UnwrapKey(wrapped, master)
}

// SpoolKey protects in-transit mail payloads spooled on this node.
func (r *Ring) SpoolKey() []byte { return r.spool }

// UserKey unwraps a user's encryption key.
func (r *Ring) UserKey(name string) ([]byte, error) {
	u, err := r.st.GetUser(name)
	if err != nil {
		return nil, err
	}
	return keyring.UnwrapKey(u.WrappedKey, r.master)
}

// BoardKey unwraps a board's encryption key.
func (r *Ring) BoardKey(name string) ([]byte, error) {
	b, err := r.st.GetBoard(name)
	if err != nil {
		return nil, err
	}
	return keyring.UnwrapKey(b.WrappedKey, r.master)
}

// NewWrappedKey mints a fresh key and returns it wrapped under the master
// key, for new users and boards.
func (r *Ring) NewWrappedKey() ([]byte, error) {
	key, err := keyring.NewKey()
	if err != nil {
		return nil, err
	}
	defer keyring.Zero(key)
	return keyring.WrapKey(key, r.master)
}

// GrantBoard wraps a board's key under a grantee's user key and stores the
// grant, giving restricted-board access.
func (r *Ring) GrantBoard(board, user string) error {
	boardKey, err := r.BoardKey(board)
	if err != nil {
		return err
	}
	defer keyring.Zero(boardKey)
	userKey, err := r.UserKey(user)
	if err != nil {
		return err
	}
	defer keyring.Zero(userKey)
	wrapped, err := keyring.WrapKey(boardKey, userKey)
	if err != nil {
		return err
	}
	return r.st.GrantBoardAccess(strings.ToLower(board), strings.ToLower(user), wrapped)
}

// Close zeroes key material.
func (r *Ring) Close() {
	keyring.Zero(r.master)
	keyring.Zero(r.spool)
}
