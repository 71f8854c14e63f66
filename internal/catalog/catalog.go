// Package catalog is the cluster metadata kept in sdb tables: databases,
// users, vgroups and dnodes.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"metasdb/pkg/config"
	"metasdb/pkg/index"
	"metasdb/pkg/sdb"
)

const (
	TableDB     = "db"
	TableUser   = "user"
	TableVgroup = "vgroup"
	TableDnode  = "dnode"
)

type Config struct {
	Dir        string
	SyncWrites bool
	Tables     config.TablesConfig
}

// Catalog owns the four metadata tables. Operations that touch more than
// one row are serialised by mu; single row reads go straight to the tables.
type Catalog struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	dbs     *sdb.Table[*dbRow]
	users   *sdb.Table[*userRow]
	vgroups *sdb.Table[*vgroupRow]
	dnodes  *sdb.Table[*dnodeRow]
	opened  []sdb.Handle
}

type Option func(*Catalog)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) { c.logger = logger }
}

// WithClock replaces time.Now for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// Open opens or recovers the catalog tables in cfg.Dir.
func Open(reg *sdb.Registry, cfg Config, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "catalog")

	table := func(name string, kt index.KeyType, t config.TableConfig) sdb.TableConfig {
		return sdb.TableConfig{
			Name:       name,
			Dir:        cfg.Dir,
			MaxRows:    t.MaxRows,
			MaxRowSize: t.MaxRowSize,
			KeyType:    kt,
			SyncWrites: cfg.SyncWrites,
		}
	}

	var err error
	if c.dnodes, err = sdb.Open[*dnodeRow](reg, table(TableDnode, index.KeyUint32, cfg.Tables.Dnode), dnodeTool{}); err != nil {
		return nil, err
	}
	c.opened = append(c.opened, c.dnodes)
	if c.users, err = sdb.Open[*userRow](reg, table(TableUser, index.KeyString, cfg.Tables.User), userTool{}); err != nil {
		return nil, errors.Join(err, c.Close())
	}
	c.opened = append(c.opened, c.users)
	if c.dbs, err = sdb.Open[*dbRow](reg, table(TableDB, index.KeyString, cfg.Tables.DB), dbTool{}); err != nil {
		return nil, errors.Join(err, c.Close())
	}
	c.opened = append(c.opened, c.dbs)
	if c.vgroups, err = sdb.Open[*vgroupRow](reg, table(TableVgroup, index.KeyAuto, cfg.Tables.Vgroup), &vgroupTool{c: c}); err != nil {
		return nil, errors.Join(err, c.Close())
	}
	c.opened = append(c.opened, c.vgroups)

	c.relink()
	c.logger.Info("catalog opened",
		"dbs", c.dbs.NumOfRows(),
		"users", c.users.NumOfRows(),
		"vgroups", c.vgroups.NumOfRows(),
		"dnodes", c.dnodes.NumOfRows(),
	)
	return c, nil
}

// relink rebuilds the per-database vgroup counters after recovery, which
// does not run insert hooks.
func (c *Catalog) relink() {
	counts := make(map[string]int)
	var cur index.Cursor[*sdb.RowMeta[*vgroupRow]]
	for {
		vg, ok := c.vgroups.Fetch(&cur)
		if !ok {
			break
		}
		vg.latch.RLock()
		db := vg.db
		vg.latch.RUnlock()

		if _, ok := c.dbs.Get(index.StringKey(db)); !ok {
			c.logger.Warn("vgroup without database", "vgroup", vg.id, "db", db)
			continue
		}
		counts[db]++
	}

	var dc index.Cursor[*sdb.RowMeta[*dbRow]]
	for {
		db, ok := c.dbs.Fetch(&dc)
		if !ok {
			return
		}
		db.latch.Lock()
		db.numVgroups = counts[db.name]
		db.latch.Unlock()
	}
}

// Tables returns the catalog tables in open order.
func (c *Catalog) Tables() []sdb.Handle {
	return append([]sdb.Handle(nil), c.opened...)
}

// Close closes the catalog tables in reverse open order.
func (c *Catalog) Close() error {
	var errs []error
	for i := len(c.opened) - 1; i >= 0; i-- {
		h := c.opened[i]
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}
