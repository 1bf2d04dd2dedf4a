package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chainlog-io/chainlog/internal/custody/handler"
	"github.com/chainlog-io/chainlog/internal/custody/repository"
	"github.com/chainlog-io/chainlog/internal/custody/service"
	"github.com/chainlog-io/chainlog/internal/ledger"
)

// mirrorStub stands in for the Postgres archive on both its write and
// query sides.
type mirrorStub struct {
	rows []*repository.ArchivedEntry
}

func (m *mirrorStub) Insert(context.Context, float64, any, *string, string) error {
	return nil
}

func (m *mirrorStub) List(_ context.Context, limit, offset int) ([]*repository.ArchivedEntry, error) {
	if offset > len(m.rows) {
		offset = len(m.rows)
	}
	end := len(m.rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return m.rows[offset:end], nil
}

func (m *mirrorStub) ListRange(_ context.Context, from, to float64, _ int) ([]*repository.ArchivedEntry, error) {
	var out []*repository.ArchivedEntry
	for _, r := range m.rows {
		if r.Timestamp >= from && (to == 0 || r.Timestamp < to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mirrorStub) Count(context.Context) (int, error) {
	return len(m.rows), nil
}

func (m *mirrorStub) Latest(context.Context) (*repository.ArchivedEntry, error) {
	if len(m.rows) == 0 {
		return nil, repository.ErrNotFound
	}
	return m.rows[len(m.rows)-1], nil
}

func mirrorRows(n int) []*repository.ArchivedEntry {
	rows := make([]*repository.ArchivedEntry, n)
	for i := range rows {
		rows[i] = &repository.ArchivedEntry{
			Seq:       int64(i + 1),
			Timestamp: float64(i + 1),
			Payload:   []byte(`{}`),
			SelfHash:  fmt.Sprintf("hash-%d", i+1),
		}
	}
	return rows
}

// setupArchiveRouter builds a router over the given mirror; a nil mirror
// means the daemon runs without a database.
func setupArchiveRouter(t *testing.T, mirror *mirrorStub) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	svc := service.New(ledger.New(filepath.Join(t.TempDir(), "ledger.jsonl")), zap.NewNop())
	if mirror != nil {
		svc.SetArchive(mirror)
	}
	handler.NewArchiveHandler(svc, zap.NewNop()).Register(r.Group("/api/v1"))
	return r
}

func getArchive(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestArchiveList_503_withoutDatabase(t *testing.T) {
	router := setupArchiveRouter(t, nil)

	for _, path := range []string{"/api/v1/archive", "/api/v1/archive/latest"} {
		w := getArchive(t, router, path)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, w.Code)
		}
	}
}

func TestArchiveList_200_paging(t *testing.T) {
	router := setupArchiveRouter(t, &mirrorStub{rows: mirrorRows(3)})

	w := getArchive(t, router, "/api/v1/archive?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if int(resp["count"].(float64)) != 2 {
		t.Errorf("expected count 2, got %v", resp["count"])
	}
	if int(resp["total"].(float64)) != 3 {
		t.Errorf("expected total 3, got %v", resp["total"])
	}
}

func TestArchiveList_200_timestampWindow(t *testing.T) {
	router := setupArchiveRouter(t, &mirrorStub{rows: mirrorRows(5)})

	w := getArchive(t, router, "/api/v1/archive?from=2&to=4")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if int(resp["count"].(float64)) != 2 {
		t.Errorf("window [2,4) should hold 2 rows, got %v", resp["count"])
	}
}

func TestArchiveList_400_invalidWindow(t *testing.T) {
	router := setupArchiveRouter(t, &mirrorStub{rows: mirrorRows(1)})

	for _, q := range []string{"from=abc", "to=xyz", "limit=-1"} {
		w := getArchive(t, router, "/api/v1/archive?"+q)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestArchiveLatest_200(t *testing.T) {
	router := setupArchiveRouter(t, &mirrorStub{rows: mirrorRows(3)})

	w := getArchive(t, router, "/api/v1/archive/latest")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["self_hash"] != "hash-3" {
		t.Errorf("expected the newest row, got %v", resp["self_hash"])
	}
}

func TestArchiveLatest_404_empty(t *testing.T) {
	router := setupArchiveRouter(t, &mirrorStub{})

	w := getArchive(t, router, "/api/v1/archive/latest")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
