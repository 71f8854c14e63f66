package catalog

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"metasdb/pkg/dberrors"
	"metasdb/pkg/encoding"
	"metasdb/pkg/index"
	"metasdb/pkg/sdb"
)

const maxReplicas = 5

// DB is a database as returned to callers.
type DB struct {
	Name       string    `json:"name"`
	UUID       string    `json:"uuid"`
	Acct       string    `json:"acct"`
	Replicas   int       `json:"replicas"`
	CreatedAt  time.Time `json:"created_at"`
	NumVgroups int       `json:"num_vgroups"`
	Vgroups    []Vgroup  `json:"vgroups,omitempty"`
}

type dbRow struct {
	latch sync.RWMutex

	name     string
	uuid     string
	acct     string
	replicas int32
	created  int64
	// head is the first vgroup of the database chain, zero when empty.
	head uint64

	numVgroups int
}

const (
	dbFieldUUID = iota + 1
	dbFieldAcct
	dbFieldReplicas
	dbFieldCreated
	dbFieldHead
)

func (r *dbRow) view() DB {
	r.latch.RLock()
	defer r.latch.RUnlock()
	return DB{
		Name:       r.name,
		UUID:       r.uuid,
		Acct:       r.acct,
		Replicas:   int(r.replicas),
		CreatedAt:  time.UnixMilli(r.created).UTC(),
		NumVgroups: r.numVgroups,
	}
}

func (r *dbRow) chainHead() uint64 {
	r.latch.RLock()
	defer r.latch.RUnlock()
	return r.head
}

// copyPersisted copies the stored fields of src into r.
func (r *dbRow) copyPersisted(src *dbRow) {
	src.latch.RLock()
	defer src.latch.RUnlock()
	r.latch.Lock()
	r.name, r.uuid, r.acct = src.name, src.uuid, src.acct
	r.replicas, r.created, r.head = src.replicas, src.created, src.head
	r.latch.Unlock()
}

type dbTool struct{}

func (dbTool) Key(r *dbRow) index.Key { return index.StringKey(r.name) }

func (dbTool) SetKey(r *dbRow, key index.Key) { r.name = key.Str() }

func (dbTool) Insert(*dbRow) {}

func (dbTool) Delete(*dbRow) {}

func (dbTool) Destroy(*dbRow) {}

func (t dbTool) Update(r *dbRow, delta []byte) error {
	if delta == nil {
		return nil
	}
	d, err := t.Decode(delta)
	if err != nil {
		return err
	}
	r.copyPersisted(d)
	return nil
}

func (dbTool) Decode(payload []byte) (*dbRow, error) {
	key, m, err := decodeRow(index.KeyString, payload)
	if err != nil {
		return nil, err
	}
	return &dbRow{
		name:     key.Str(),
		uuid:     m.str(dbFieldUUID),
		acct:     m.str(dbFieldAcct),
		replicas: m.i32(dbFieldReplicas),
		created:  m.i64(dbFieldCreated),
		head:     m.u64(dbFieldHead),
	}, nil
}

func (dbTool) Encode(r *dbRow, dst []byte) ([]byte, error) {
	r.latch.RLock()
	defer r.latch.RUnlock()
	return appendRow(index.KeyString, dst, index.StringKey(r.name),
		field(dbFieldUUID, encoding.String(r.uuid)),
		field(dbFieldAcct, encoding.String(r.acct)),
		field(dbFieldReplicas, encoding.Int32(r.replicas)),
		field(dbFieldCreated, encoding.Int64(r.created)),
		field(dbFieldHead, encoding.Uint64(r.head)),
	)
}

func (dbTool) BeforeBatchUpdate(*dbRow) error { return nil }

func (dbTool) BatchUpdate(*dbRow, []byte) (*dbRow, bool, error) {
	return nil, false, fmt.Errorf("%w: databases have no batch updates", dberrors.ErrInvalidArgument)
}

func (dbTool) AfterBatchUpdate(*dbRow) error { return nil }

func (t dbTool) Reset(r *dbRow, payload []byte) error {
	d, err := t.Decode(payload)
	if err != nil {
		return err
	}
	r.copyPersisted(d)
	return nil
}

func validName(name string) error {
	if name == "" || len(name) > 64 {
		return fmt.Errorf("%w: name %q", dberrors.ErrInvalidArgument, name)
	}
	for _, r := range name {
		if r == 0 || r == '/' {
			return fmt.Errorf("%w: name %q", dberrors.ErrInvalidArgument, name)
		}
	}
	return nil
}

// CreateDB adds a database owned by acct.
func (c *Catalog) CreateDB(name, acct string, replicas int) (DB, error) {
	if err := validName(name); err != nil {
		return DB{}, err
	}
	if replicas < 1 || replicas > maxReplicas {
		return DB{}, fmt.Errorf("%w: replicas %d", dberrors.ErrInvalidArgument, replicas)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.users.Get(index.StringKey(acct)); !ok {
		return DB{}, fmt.Errorf("%w: account %s", dberrors.ErrNotFound, acct)
	}

	row := &dbRow{
		name:     name,
		uuid:     uuid.NewString(),
		acct:     acct,
		replicas: int32(replicas),
		created:  c.now().UnixMilli(),
	}
	if _, err := c.dbs.Insert(row); err != nil {
		return DB{}, err
	}
	c.logger.Info("database created", "db", name, "acct", acct, "replicas", replicas)
	return row.view(), nil
}

// GetDB returns the database and its vgroups in chain order.
func (c *Catalog) GetDB(name string) (DB, error) {
	row, ok := c.dbs.Get(index.StringKey(name))
	if !ok {
		return DB{}, fmt.Errorf("%w: database %s", dberrors.ErrNotFound, name)
	}
	db := row.view()
	db.Vgroups = c.chain(row.chainHead())
	return db, nil
}

// ListDBs returns all databases sorted by name, without their vgroups.
func (c *Catalog) ListDBs() []DB {
	var (
		out []DB
		cur index.Cursor[*sdb.RowMeta[*dbRow]]
	)
	for {
		row, ok := c.dbs.Fetch(&cur)
		if !ok {
			break
		}
		out = append(out, row.view())
	}
	slices.SortFunc(out, func(a, b DB) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// AlterDB changes the replica count of a database.
func (c *Catalog) AlterDB(name string, replicas int) (DB, error) {
	if replicas < 1 || replicas > maxReplicas {
		return DB{}, fmt.Errorf("%w: replicas %d", dberrors.ErrInvalidArgument, replicas)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	row, ok := c.dbs.Get(index.StringKey(name))
	if !ok {
		return DB{}, fmt.Errorf("%w: database %s", dberrors.ErrNotFound, name)
	}
	if err := c.rewriteDB(row, func(next *dbRow) { next.replicas = int32(replicas) }); err != nil {
		return DB{}, err
	}
	c.logger.Info("database altered", "db", name, "replicas", replicas)
	return row.view(), nil
}

// rewriteDB persists a modified copy of row through the Update hook.
func (c *Catalog) rewriteDB(row *dbRow, modify func(*dbRow)) error {
	next := &dbRow{}
	next.copyPersisted(row)
	modify(next)

	delta, err := dbTool{}.Encode(next, nil)
	if err != nil {
		return err
	}
	_, err = c.dbs.Update(row, delta, false)
	return err
}

// DropDB removes a database together with all of its vgroups.
func (c *Catalog) DropDB(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := index.StringKey(name)
	row, ok := c.dbs.Get(key)
	if !ok {
		return fmt.Errorf("%w: database %s", dberrors.ErrNotFound, name)
	}

	for _, vg := range c.chain(row.chainHead()) {
		if err := c.vgroups.Delete(index.AutoKey(vg.ID)); err != nil {
			return fmt.Errorf("drop vgroup %d of %s: %w", vg.ID, name, err)
		}
	}
	if err := c.dbs.Delete(key); err != nil {
		return err
	}
	c.logger.Info("database dropped", "db", name)
	return nil
}
