package catalog

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"metasdb/pkg/dberrors"
	"metasdb/pkg/encoding"
	"metasdb/pkg/index"
	"metasdb/pkg/sdb"
)

type Status int32

const (
	StatusCreating Status = iota + 1
	StatusReady
	StatusOffline
	StatusDropping
)

var statusNames = map[Status]string{
	StatusCreating: "creating",
	StatusReady:    "ready",
	StatusOffline:  "offline",
	StatusDropping: "dropping",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

func ParseStatus(s string) (Status, error) {
	for st, name := range statusNames {
		if name == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown vgroup status %q", dberrors.ErrInvalidArgument, s)
}

// Vgroup is a replica group of a database.
type Vgroup struct {
	ID     uint64   `json:"id"`
	DB     string   `json:"db"`
	Status string   `json:"status"`
	Dnodes []uint32 `json:"dnodes"`
	// Version counts status changes.
	Version int32 `json:"version"`
}

type vgroupRow struct {
	latch sync.RWMutex

	id      uint64
	db      string
	status  Status
	next    uint64
	dnodes  []uint32
	version int32
}

const (
	vgFieldDB = iota + 1
	vgFieldStatus
	vgFieldNext
	vgFieldDnodes
	vgFieldVersion
)

func (r *vgroupRow) view() Vgroup {
	r.latch.RLock()
	defer r.latch.RUnlock()
	return Vgroup{
		ID:      r.id,
		DB:      r.db,
		Status:  r.status.String(),
		Dnodes:  slices.Clone(r.dnodes),
		Version: r.version,
	}
}

func (r *vgroupRow) nextID() uint64 {
	r.latch.RLock()
	defer r.latch.RUnlock()
	return r.next
}

func (r *vgroupRow) copyPersisted(src *vgroupRow) {
	src.latch.RLock()
	defer src.latch.RUnlock()
	r.latch.Lock()
	r.id, r.db, r.status, r.next = src.id, src.db, src.status, src.next
	r.dnodes, r.version = slices.Clone(src.dnodes), src.version
	r.latch.Unlock()
}

// vgroupTool keeps the vgroup count of each database in step with the
// vgroup table.
type vgroupTool struct {
	c *Catalog
}

func (t *vgroupTool) Key(r *vgroupRow) index.Key { return index.AutoKey(r.id) }

func (t *vgroupTool) SetKey(r *vgroupRow, key index.Key) { r.id = key.Int() }

func (t *vgroupTool) Insert(r *vgroupRow) { t.adjust(r, 1) }

func (t *vgroupTool) Delete(r *vgroupRow) { t.adjust(r, -1) }

func (t *vgroupTool) adjust(r *vgroupRow, delta int) {
	r.latch.RLock()
	name := r.db
	r.latch.RUnlock()

	db, ok := t.c.dbs.Get(index.StringKey(name))
	if !ok {
		return
	}
	db.latch.Lock()
	db.numVgroups += delta
	db.latch.Unlock()
}

func (t *vgroupTool) Destroy(*vgroupRow) {}

func (t *vgroupTool) Update(r *vgroupRow, delta []byte) error {
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

func (t *vgroupTool) Decode(payload []byte) (*vgroupRow, error) {
	key, m, err := decodeRow(index.KeyAuto, payload)
	if err != nil {
		return nil, err
	}
	r := &vgroupRow{
		id:      key.Int(),
		db:      m.str(vgFieldDB),
		status:  Status(m.i32(vgFieldStatus)),
		next:    m.u64(vgFieldNext),
		version: m.i32(vgFieldVersion),
	}
	for _, v := range m.list(vgFieldDnodes) {
		r.dnodes = append(r.dnodes, uint32(v.Int64))
	}
	return r, nil
}

func (t *vgroupTool) Encode(r *vgroupRow, dst []byte) ([]byte, error) {
	r.latch.RLock()
	defer r.latch.RUnlock()

	dnodes := make([]encoding.Value, 0, len(r.dnodes))
	for _, d := range r.dnodes {
		dnodes = append(dnodes, encoding.Int64(int64(d)))
	}
	return appendRow(index.KeyAuto, dst, index.AutoKey(r.id),
		field(vgFieldDB, encoding.String(r.db)),
		field(vgFieldStatus, encoding.Int32(int32(r.status))),
		field(vgFieldNext, encoding.Uint64(r.next)),
		field(vgFieldDnodes, encoding.List(dnodes...)),
		field(vgFieldVersion, encoding.Int32(r.version)),
	)
}

// BeforeBatchUpdate only accepts the head of a database chain.
func (t *vgroupTool) BeforeBatchUpdate(head *vgroupRow) error {
	r := head.view()
	db, ok := t.c.dbs.Get(index.StringKey(r.DB))
	if !ok || db.chainHead() != r.ID {
		return fmt.Errorf("%w: vgroup %d does not head a database chain", dberrors.ErrInvalidArgument, r.ID)
	}
	return nil
}

// BatchUpdate sets the status carried by instruction and moves on to the
// next vgroup of the same database.
func (t *vgroupTool) BatchUpdate(r *vgroupRow, instruction []byte) (*vgroupRow, bool, error) {
	st, err := ParseStatus(string(instruction))
	if err != nil {
		return nil, false, err
	}

	r.latch.Lock()
	if r.status != st {
		r.status = st
		r.version++
	}
	next := r.next
	r.latch.Unlock()

	return &vgroupRow{id: next}, next != 0, nil
}

func (t *vgroupTool) AfterBatchUpdate(head *vgroupRow) error {
	t.c.logger.Debug("vgroup chain updated", "head", head.id)
	return nil
}

func (t *vgroupTool) Reset(r *vgroupRow, payload []byte) error {
	d, err := t.Decode(payload)
	if err != nil {
		return err
	}
	r.copyPersisted(d)
	return nil
}

// chain walks the vgroups starting at head.
func (c *Catalog) chain(head uint64) []Vgroup {
	var out []Vgroup
	limit := c.vgroups.NumOfRows()
	for id := head; id != 0 && int64(len(out)) <= limit; {
		r, ok := c.vgroups.Get(index.AutoKey(id))
		if !ok {
			c.logger.Warn("broken vgroup chain", "vgroup", id)
			break
		}
		out = append(out, r.view())
		id = r.nextID()
	}
	return out
}

// CreateVgroup adds a vgroup to a database and places it on as many dnodes
// as the database has replicas.
func (c *Catalog) CreateVgroup(dbName string) (Vgroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	db, ok := c.dbs.Get(index.StringKey(dbName))
	if !ok {
		return Vgroup{}, fmt.Errorf("%w: database %s", dberrors.ErrNotFound, dbName)
	}
	info := db.view()

	dnodes := c.ListDnodes()
	if len(dnodes) < info.Replicas {
		return Vgroup{}, fmt.Errorf("%w: %d replicas need as many dnodes, have %d",
			dberrors.ErrInvalidArgument, info.Replicas, len(dnodes))
	}
	start := int(c.vgroups.NumOfRows()) % len(dnodes)
	placed := make([]uint32, 0, info.Replicas)
	for i := range info.Replicas {
		placed = append(placed, dnodes[(start+i)%len(dnodes)].ID)
	}
	slices.SortFunc(placed, cmp.Compare[uint32])

	row := &vgroupRow{
		db:     dbName,
		status: StatusCreating,
		next:   db.chainHead(),
		dnodes: placed,
	}
	if _, err := c.vgroups.Insert(row); err != nil {
		return Vgroup{}, err
	}
	if err := c.rewriteDB(db, func(next *dbRow) { next.head = row.id }); err != nil {
		if derr := c.vgroups.Delete(index.AutoKey(row.id)); derr != nil {
			c.logger.Error("orphaned vgroup", "vgroup", row.id, "db", dbName, "error", derr)
		}
		return Vgroup{}, err
	}

	c.logger.Info("vgroup created", "vgroup", row.id, "db", dbName, "dnodes", placed)
	return row.view(), nil
}

// SetVgroupStatus sets the status of every vgroup of a database in one
// batch write.
func (c *Catalog) SetVgroupStatus(dbName, status string) ([]Vgroup, error) {
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	db, ok := c.dbs.Get(index.StringKey(dbName))
	if !ok {
		return nil, fmt.Errorf("%w: database %s", dberrors.ErrNotFound, dbName)
	}
	head := db.chainHead()
	if head == 0 {
		return nil, fmt.Errorf("%w: database %s has no vgroups", dberrors.ErrNotFound, dbName)
	}
	if err := c.vgroups.BatchUpdate(index.AutoKey(head), []byte(st.String())); err != nil {
		return nil, err
	}
	return c.chain(head), nil
}

// GetVgroup returns one vgroup by id.
func (c *Catalog) GetVgroup(id uint64) (Vgroup, error) {
	r, ok := c.vgroups.Get(index.AutoKey(id))
	if !ok {
		return Vgroup{}, fmt.Errorf("%w: vgroup %d", dberrors.ErrNotFound, id)
	}
	return r.view(), nil
}

var _ sdb.RowTool[*vgroupRow] = (*vgroupTool)(nil)
