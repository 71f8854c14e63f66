package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"metasdb/internal/catalog"
	"metasdb/pkg/backup"
	"metasdb/pkg/dberrors"
	"metasdb/pkg/feed"
	"metasdb/pkg/index"
	"metasdb/pkg/sdb"
	"metasdb/pkg/sdb/sdbtest"
)

// fakeCatalog keeps databases in memory.
type fakeCatalog struct {
	mu     sync.Mutex
	dbs    map[string]catalog.DB
	nextVg uint64
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{dbs: make(map[string]catalog.DB)}
}

func (f *fakeCatalog) CreateDB(name, acct string, replicas int) (catalog.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if replicas < 1 {
		return catalog.DB{}, fmt.Errorf("%w: replicas %d", dberrors.ErrInvalidArgument, replicas)
	}
	if _, ok := f.dbs[name]; ok {
		return catalog.DB{}, fmt.Errorf("%w: %s", dberrors.ErrDuplicateKey, name)
	}
	db := catalog.DB{Name: name, Acct: acct, Replicas: replicas}
	f.dbs[name] = db
	return db, nil
}

func (f *fakeCatalog) DropDB(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.dbs[name]; !ok {
		return fmt.Errorf("%w: %s", dberrors.ErrNotFound, name)
	}
	delete(f.dbs, name)
	return nil
}

func (f *fakeCatalog) GetDB(name string) (catalog.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	db, ok := f.dbs[name]
	if !ok {
		return catalog.DB{}, fmt.Errorf("%w: %s", dberrors.ErrNotFound, name)
	}
	return db, nil
}

func (f *fakeCatalog) ListDBs() []catalog.DB {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []catalog.DB
	for _, db := range f.dbs {
		out = append(out, db)
	}
	return out
}

func (f *fakeCatalog) CreateVgroup(name string) (catalog.Vgroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	db, ok := f.dbs[name]
	if !ok {
		return catalog.Vgroup{}, fmt.Errorf("%w: %s", dberrors.ErrNotFound, name)
	}
	f.nextVg++
	vg := catalog.Vgroup{ID: f.nextVg, DB: name, Status: "creating"}
	db.Vgroups = append(db.Vgroups, vg)
	db.NumVgroups++
	f.dbs[name] = db
	return vg, nil
}

func (f *fakeCatalog) SetVgroupStatus(name, status string) ([]catalog.Vgroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := catalog.ParseStatus(status); err != nil {
		return nil, err
	}
	db, ok := f.dbs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrNotFound, name)
	}
	for i := range db.Vgroups {
		db.Vgroups[i].Status = status
	}
	return db.Vgroups, nil
}

type envelope struct {
	Status    Status          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	RequestID string          `json:"request_id"`
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var resp envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), "body=%s", rr.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return resp
}

type testEnv struct {
	srv     *Server
	reg     *sdb.Registry
	blobs   *sdb.Table[*sdbtest.Blob]
	catalog *fakeCatalog
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	reg := sdbtest.NewRegistry()
	blobs := sdbtest.OpenBlobs(t, reg, t.TempDir(), "blob", 4)
	cat := newFakeCatalog()
	srv := NewServer(reg, cat, "")
	return &testEnv{srv: srv, reg: reg, blobs: blobs, catalog: cat, handler: srv.createRouter()}
}

func (e *testEnv) do(method, target string, form url.Values) *httptest.ResponseRecorder {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeResp(t, rr, nil)
	require.Equal(t, StatusOK, resp.Status)
	_, err := uuid.Parse(resp.RequestID)
	require.NoError(t, err)
	require.Equal(t, resp.RequestID, rr.Header().Get(headerRequestID))
}

func TestRequestIDIsReused(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, id)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.Equal(t, id, rr.Header().Get(headerRequestID))

	// a malformed id is replaced
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, "not-a-uuid")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.NotEqual(t, "not-a-uuid", rr.Header().Get(headerRequestID))
}

func TestTablesAndSnapshot(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.blobs.Insert(&sdbtest.Blob{Key: "a", Value: []byte("1")})
	require.NoError(t, err)
	row, _ := env.blobs.Get(index.StringKey("a"))
	_, err = env.blobs.Update(row, nil, true)
	require.NoError(t, err)

	rr := env.do(http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var ver versionInfo
	decodeResp(t, rr, &ver)
	require.Equal(t, versionInfo{Version: 2, Tables: 1}, ver)

	rr = env.do(http.MethodGet, "/api/tables", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats []sdb.Stats
	decodeResp(t, rr, &stats)
	require.Len(t, stats, 1)
	require.Equal(t, "blob", stats[0].Name)
	require.Equal(t, int64(1), stats[0].Rows)
	require.Equal(t, int64(1), stats[0].Dead)

	rr = env.do(http.MethodPost, "/api/tables/blob/snapshot", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st sdb.Stats
	decodeResp(t, rr, &st)
	require.Equal(t, int64(0), st.Dead)
	require.Equal(t, env.blobs.Size(), st.Size)

	rr = env.do(http.MethodGet, "/api/tables/blob", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(http.MethodGet, "/api/tables/missing", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, StatusError, decodeResp(t, rr, nil).Status)
	rr = env.do(http.MethodPost, "/api/tables/missing/snapshot", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestFeedJSONAndAvro(t *testing.T) {
	env := newTestEnv(t)
	for _, k := range []string{"a", "b"} {
		_, err := env.blobs.Insert(&sdbtest.Blob{Key: k})
		require.NoError(t, err)
	}
	require.NoError(t, env.blobs.Delete(index.StringKey("a")))

	rr := env.do(http.MethodGet, "/api/feed?since=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "3", rr.Header().Get(headerFeedLast))
	var page feedPage
	decodeResp(t, rr, &page)
	require.Equal(t, uint64(1), page.Since)
	require.Len(t, page.Changes, 2)
	require.Equal(t, "insert", page.Changes[0].Op)
	require.Equal(t, "delete", page.Changes[1].Op)
	require.Equal(t, []byte("a\x00"), page.Changes[1].Payload)

	rr = env.do(http.MethodGet, "/api/feed?format=avro", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, contentTypeAvro, rr.Header().Get("Content-Type"))
	changes, err := feed.ReadAvro(rr.Body)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	require.Equal(t, "blob", changes[0].Table)

	rr = env.do(http.MethodGet, "/api/feed?since=x", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(http.MethodGet, "/api/feed?format=xml", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	// the ring holds four changes
	for _, k := range []string{"c", "d"} {
		_, err := env.blobs.Insert(&sdbtest.Blob{Key: k})
		require.NoError(t, err)
	}
	rr = env.do(http.MethodGet, "/api/feed?since=0", nil)
	require.Equal(t, http.StatusGone, rr.Code)
}

func TestBackupEndpoint(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.blobs.Insert(&sdbtest.Blob{Key: "a", Value: []byte("payload")})
	require.NoError(t, err)

	rr := env.do(http.MethodGet, "/api/backup", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, contentTypeZstd, rr.Header().Get("Content-Type"))
	require.Contains(t, rr.Header().Get("Content-Disposition"), "sdb-1.tar.zst")

	dir := t.TempDir()
	names, err := backup.Restore(bytes.NewReader(rr.Body.Bytes()), dir)
	require.NoError(t, err)
	require.Equal(t, []string{"blob"}, names)

	restored := sdbtest.OpenBlobs(t, sdbtest.NewRegistry(), dir, "blob", 4)
	row, ok := restored.Get(index.StringKey("a"))
	require.True(t, ok)
	require.Equal(t, []byte("payload"), row.Value)
}

func TestDatabaseFlow(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodGet, "/api/dbs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var dbs []catalog.DB
	decodeResp(t, rr, &dbs)
	require.Empty(t, dbs)

	rr = env.do(http.MethodPut, "/api/dbs", url.Values{"name": {"power"}, "acct": {"root"}, "replicas": {"2"}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var db catalog.DB
	decodeResp(t, rr, &db)
	require.Equal(t, 2, db.Replicas)

	rr = env.do(http.MethodPut, "/api/dbs", url.Values{"name": {"power"}, "acct": {"root"}})
	require.Equal(t, http.StatusConflict, rr.Code)
	rr = env.do(http.MethodPut, "/api/dbs", url.Values{"name": {"x"}, "acct": {"root"}, "replicas": {"0"}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(http.MethodPut, "/api/dbs", url.Values{"name": {"x"}, "acct": {"root"}, "replicas": {"two"}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(http.MethodPut, "/api/dbs", url.Values{"acct": {"root"}})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(http.MethodPut, "/api/dbs/power/vgroups", nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	var vg catalog.Vgroup
	decodeResp(t, rr, &vg)
	require.Equal(t, uint64(1), vg.ID)

	rr = env.do(http.MethodPost, "/api/dbs/power/status", url.Values{"status": {"ready"}})
	require.Equal(t, http.StatusOK, rr.Code)
	var vgs []catalog.Vgroup
	decodeResp(t, rr, &vgs)
	require.Len(t, vgs, 1)
	require.Equal(t, "ready", vgs[0].Status)

	rr = env.do(http.MethodPost, "/api/dbs/power/status", url.Values{"status": {"melting"}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(http.MethodPost, "/api/dbs/power/status", url.Values{})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(http.MethodGet, "/api/dbs/power", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeResp(t, rr, &db)
	require.Equal(t, 1, db.NumVgroups)

	rr = env.do(http.MethodDelete, "/api/dbs?name=power", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, StatusSuccess, decodeResp(t, rr, nil).Status)

	rr = env.do(http.MethodGet, "/api/dbs/power", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	rr = env.do(http.MethodDelete, "/api/dbs?name=power", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	rr = env.do(http.MethodDelete, "/api/dbs", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestClosedTableIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	handle, ok := env.reg.Table("blob")
	require.True(t, ok)
	require.NoError(t, env.blobs.Close())

	// the registry forgets closed tables
	rr := env.do(http.MethodGet, "/api/tables/blob", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.ErrorIs(t, handle.SaveSnapshot(), dberrors.ErrClosed)
}

func TestServerStartStop(t *testing.T) {
	env := newTestEnv(t)
	srv := NewServer(env.reg, env.catalog, "0")
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop())
}
