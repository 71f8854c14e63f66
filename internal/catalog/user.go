package catalog

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"metasdb/pkg/dberrors"
	"metasdb/pkg/encoding"
	"metasdb/pkg/index"
)

type User struct {
	Name      string    `json:"name"`
	UUID      string    `json:"uuid"`
	Acct      string    `json:"acct"`
	Super     bool      `json:"super"`
	CreatedAt time.Time `json:"created_at"`
}

type userRow struct {
	latch sync.RWMutex

	name    string
	uuid    string
	acct    string
	super   bool
	pass    []byte
	created int64
}

const (
	userFieldUUID = iota + 1
	userFieldAcct
	userFieldSuper
	userFieldPass
	userFieldCreated
)

func (r *userRow) view() User {
	r.latch.RLock()
	defer r.latch.RUnlock()
	return User{
		Name:      r.name,
		UUID:      r.uuid,
		Acct:      r.acct,
		Super:     r.super,
		CreatedAt: time.UnixMilli(r.created).UTC(),
	}
}

type userTool struct{}

func (userTool) Key(r *userRow) index.Key { return index.StringKey(r.name) }

func (userTool) SetKey(r *userRow, key index.Key) { r.name = key.Str() }

func (userTool) Insert(*userRow) {}

func (userTool) Delete(*userRow) {}

func (userTool) Destroy(r *userRow) {
	r.latch.Lock()
	clear(r.pass)
	r.latch.Unlock()
}

func (t userTool) Update(r *userRow, delta []byte) error {
	if delta == nil {
		return nil
	}
	return t.Reset(r, delta)
}

func (userTool) Decode(payload []byte) (*userRow, error) {
	key, m, err := decodeRow(index.KeyString, payload)
	if err != nil {
		return nil, err
	}
	v, _ := m.Field(userFieldPass)
	return &userRow{
		name:    key.Str(),
		uuid:    m.str(userFieldUUID),
		acct:    m.str(userFieldAcct),
		super:   m.boolean(userFieldSuper),
		pass:    v.Bytes,
		created: m.i64(userFieldCreated),
	}, nil
}

func (userTool) Encode(r *userRow, dst []byte) ([]byte, error) {
	r.latch.RLock()
	defer r.latch.RUnlock()
	return appendRow(index.KeyString, dst, index.StringKey(r.name),
		field(userFieldUUID, encoding.String(r.uuid)),
		field(userFieldAcct, encoding.String(r.acct)),
		field(userFieldSuper, encoding.Bool(r.super)),
		field(userFieldPass, encoding.Bytes(r.pass)),
		field(userFieldCreated, encoding.Int64(r.created)),
	)
}

func (userTool) BeforeBatchUpdate(*userRow) error { return nil }

func (userTool) BatchUpdate(*userRow, []byte) (*userRow, bool, error) {
	return nil, false, fmt.Errorf("%w: users have no batch updates", dberrors.ErrInvalidArgument)
}

func (userTool) AfterBatchUpdate(*userRow) error { return nil }

func (t userTool) Reset(r *userRow, payload []byte) error {
	d, err := t.Decode(payload)
	if err != nil {
		return err
	}
	r.latch.Lock()
	r.name, r.uuid, r.acct, r.super = d.name, d.uuid, d.acct, d.super
	r.pass, r.created = d.pass, d.created
	r.latch.Unlock()
	return nil
}

func hashPassword(name, password string) []byte {
	sum := sha256.Sum256([]byte(name + "\x00" + password))
	return sum[:]
}

// CreateUser adds a user. A user without acct is its own account.
func (c *Catalog) CreateUser(name, password, acct string, super bool) (User, error) {
	if err := validName(name); err != nil {
		return User{}, err
	}
	if password == "" {
		return User{}, fmt.Errorf("%w: empty password for %s", dberrors.ErrInvalidArgument, name)
	}
	if acct == "" {
		acct = name
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if acct != name {
		if _, ok := c.users.Get(index.StringKey(acct)); !ok {
			return User{}, fmt.Errorf("%w: account %s", dberrors.ErrNotFound, acct)
		}
	}

	row := &userRow{
		name:    name,
		uuid:    uuid.NewString(),
		acct:    acct,
		super:   super,
		pass:    hashPassword(name, password),
		created: c.now().UnixMilli(),
	}
	if _, err := c.users.Insert(row); err != nil {
		return User{}, err
	}
	c.logger.Info("user created", "user", name, "acct", acct, "super", super)
	return row.view(), nil
}

func (c *Catalog) GetUser(name string) (User, error) {
	r, ok := c.users.Get(index.StringKey(name))
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", dberrors.ErrNotFound, name)
	}
	return r.view(), nil
}

// Authenticate reports whether password is the password of user name.
func (c *Catalog) Authenticate(name, password string) bool {
	r, ok := c.users.Get(index.StringKey(name))
	if !ok {
		return false
	}
	r.latch.RLock()
	defer r.latch.RUnlock()
	return subtle.ConstantTimeCompare(r.pass, hashPassword(name, password)) == 1
}

// DropUser removes a user that owns no databases.
func (c *Catalog) DropUser(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, db := range c.ListDBs() {
		if db.Acct == name {
			return fmt.Errorf("%w: user %s owns database %s", dberrors.ErrInvalidArgument, name, db.Name)
		}
	}
	if err := c.users.Delete(index.StringKey(name)); err != nil {
		return err
	}
	c.logger.Info("user dropped", "user", name)
	return nil
}
