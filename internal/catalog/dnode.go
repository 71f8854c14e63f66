package catalog

import (
	"cmp"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"metasdb/pkg/dberrors"
	"metasdb/pkg/encoding"
	"metasdb/pkg/index"
	"metasdb/pkg/sdb"
)

type Dnode struct {
	ID        uint32    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	CreatedAt time.Time `json:"created_at"`
}

type dnodeRow struct {
	latch sync.RWMutex

	id       uint32
	endpoint string
	created  int64
}

const (
	dnodeFieldEndpoint = iota + 1
	dnodeFieldCreated
)

func (r *dnodeRow) view() Dnode {
	r.latch.RLock()
	defer r.latch.RUnlock()
	return Dnode{ID: r.id, Endpoint: r.endpoint, CreatedAt: time.UnixMilli(r.created).UTC()}
}

type dnodeTool struct{}

func (dnodeTool) Key(r *dnodeRow) index.Key { return index.Uint32Key(r.id) }

func (dnodeTool) SetKey(r *dnodeRow, key index.Key) { r.id = uint32(key.Int()) }

func (dnodeTool) Insert(*dnodeRow) {}

func (dnodeTool) Delete(*dnodeRow) {}

func (dnodeTool) Destroy(*dnodeRow) {}

func (t dnodeTool) Update(r *dnodeRow, delta []byte) error {
	if delta == nil {
		return nil
	}
	return t.Reset(r, delta)
}

func (dnodeTool) Decode(payload []byte) (*dnodeRow, error) {
	key, m, err := decodeRow(index.KeyUint32, payload)
	if err != nil {
		return nil, err
	}
	return &dnodeRow{
		id:       uint32(key.Int()),
		endpoint: m.str(dnodeFieldEndpoint),
		created:  m.i64(dnodeFieldCreated),
	}, nil
}

func (dnodeTool) Encode(r *dnodeRow, dst []byte) ([]byte, error) {
	r.latch.RLock()
	defer r.latch.RUnlock()
	return appendRow(index.KeyUint32, dst, index.Uint32Key(r.id),
		field(dnodeFieldEndpoint, encoding.String(r.endpoint)),
		field(dnodeFieldCreated, encoding.Int64(r.created)),
	)
}

func (dnodeTool) BeforeBatchUpdate(*dnodeRow) error { return nil }

func (dnodeTool) BatchUpdate(*dnodeRow, []byte) (*dnodeRow, bool, error) {
	return nil, false, fmt.Errorf("%w: dnodes have no batch updates", dberrors.ErrInvalidArgument)
}

func (dnodeTool) AfterBatchUpdate(*dnodeRow) error { return nil }

func (t dnodeTool) Reset(r *dnodeRow, payload []byte) error {
	d, err := t.Decode(payload)
	if err != nil {
		return err
	}
	r.latch.Lock()
	r.id, r.endpoint, r.created = d.id, d.endpoint, d.created
	r.latch.Unlock()
	return nil
}

// AddDnode registers a data node reachable at endpoint (host:port).
func (c *Catalog) AddDnode(id uint32, endpoint string) (Dnode, error) {
	if id == 0 {
		return Dnode{}, fmt.Errorf("%w: dnode id 0", dberrors.ErrInvalidArgument)
	}
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return Dnode{}, fmt.Errorf("%w: endpoint %q: %w", dberrors.ErrInvalidArgument, endpoint, err)
	}

	row := &dnodeRow{id: id, endpoint: endpoint, created: c.now().UnixMilli()}
	if _, err := c.dnodes.Insert(row); err != nil {
		return Dnode{}, err
	}
	c.logger.Info("dnode added", "dnode", id, "endpoint", endpoint)
	return row.view(), nil
}

func (c *Catalog) GetDnode(id uint32) (Dnode, error) {
	r, ok := c.dnodes.Get(index.Uint32Key(id))
	if !ok {
		return Dnode{}, fmt.Errorf("%w: dnode %d", dberrors.ErrNotFound, id)
	}
	return r.view(), nil
}

// ListDnodes returns all dnodes ordered by id.
func (c *Catalog) ListDnodes() []Dnode {
	var (
		out []Dnode
		cur index.Cursor[*sdb.RowMeta[*dnodeRow]]
	)
	for {
		r, ok := c.dnodes.Fetch(&cur)
		if !ok {
			break
		}
		out = append(out, r.view())
	}
	slices.SortFunc(out, func(a, b Dnode) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
