package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ordersync/internal/cache"
	"github.com/roach88/ordersync/internal/engine"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/mux"
	"github.com/roach88/ordersync/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	store  *store.Store
	engine *engine.Engine
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c := cache.New()
	m := mux.New(st, st, c, mux.WithBackoff(5*time.Millisecond, 20*time.Millisecond))
	t.Cleanup(m.Close)
	eng := engine.New(st, st, st, c, m)

	// Keep every topic live so the cache follows the store.
	for _, typ := range model.EntityTypes {
		_, err := eng.Subscribe(typ, func(mux.Event) {})
		require.NoError(t, err)
	}

	return &fixture{store: st, engine: eng, server: New(eng, nil, WithOrderLister(st))}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.InsertTable(ctx, "t1", "Window")
	require.NoError(t, err)
	_, err = f.store.InsertOrder(ctx, store.NewOrder{ID: "o1", TableRef: "t1", TaxRate: decimal.Zero})
	require.NoError(t, err)
	_, err = f.store.InsertLine(ctx, store.NewLine{ID: "l1", OrderID: "o1", Name: "tea", Quantity: 2, UnitPrice: decimal.RequireFromString("3.00")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := f.engine.GetLine("l1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	w := f.do(http.MethodGet, "/orders/o1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var o model.Order
	decode(t, w, &o)
	assert.Equal(t, "o1", o.ID)
	assert.Equal(t, "t1", o.TableRef)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	w = f.do(http.MethodGet, "/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListOrders(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	_, err := f.store.InsertOrder(context.Background(), store.NewOrder{ID: "o2", Status: "preparing", CreatedAt: time.Now().Add(time.Second)})
	require.NoError(t, err)

	var resp struct {
		Orders []model.Order `json:"orders"`
		Count  int           `json:"count"`
	}

	w := f.do(http.MethodGet, "/orders", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &resp)
	assert.Equal(t, 2, resp.Count)

	w = f.do(http.MethodGet, "/orders?status=preparing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	require.Len(t, resp.Orders, 1)
	assert.Equal(t, "o2", resp.Orders[0].ID)

	w = f.do(http.MethodGet, "/orders?table=t1&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	require.Len(t, resp.Orders, 1)
	assert.Equal(t, "o1", resp.Orders[0].ID)

	w = f.do(http.MethodGet, "/orders?table=t9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"orders":[],"count":0}`, w.Body.String())

	w = f.do(http.MethodGet, "/orders?status=eaten", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/orders?limit=many", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListOrders_DisabledWithoutLister(t *testing.T) {
	f := newFixture(t)
	f.server = New(f.engine, nil)
	w := f.do(http.MethodGet, "/orders", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
}

func TestGetTableAndLine(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	require.Eventually(t, func() bool {
		tb, ok := f.engine.GetTable("t1")
		return ok && tb.ActiveOrder == "o1"
	}, 2*time.Second, 5*time.Millisecond)

	w := f.do(http.MethodGet, "/tables/t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tb model.Table
	decode(t, w, &tb)
	assert.Equal(t, "o1", tb.ActiveOrder)

	w = f.do(http.MethodGet, "/lines/l1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var l model.Line
	decode(t, w, &l)
	assert.Equal(t, "tea", l.Name)
}

func TestPostTransition(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	body := gin.H{"event": "start_preparing", "actor_id": "staff:ana"}
	w := f.do(http.MethodPost, "/orders/o1/transitions", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out transitionResponse
	decode(t, w, &out)
	assert.Equal(t, "pending", string(out.From))
	assert.Equal(t, "preparing", string(out.To))
	assert.False(t, out.NoOp)
	assert.NotEmpty(t, out.AuditID)

	// Retrying the same request is harmless.
	w = f.do(http.MethodPost, "/orders/o1/transitions", body)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &out)
	assert.True(t, out.NoOp)

	w = f.do(http.MethodGet, "/orders/o1/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trail struct {
		Records []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"records"`
	}
	decode(t, w, &trail)
	require.Len(t, trail.Records, 1)
	assert.Equal(t, "preparing", trail.Records[0].To)
}

func TestPostTransition_Errors(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	tests := []struct {
		name string
		path string
		body gin.H
		code int
	}{
		{"missing actor", "/orders/o1/transitions", gin.H{"event": "cancel"}, http.StatusBadRequest},
		{"system role", "/orders/o1/transitions", gin.H{"event": "fast_deliver", "actor_id": "x", "role": "system"}, http.StatusForbidden},
		{"unknown order", "/orders/nope/transitions", gin.H{"event": "cancel", "actor_id": "staff:ana"}, http.StatusNotFound},
		{"illegal edge", "/orders/o1/transitions", gin.H{"event": "deliver", "actor_id": "staff:ana"}, http.StatusUnprocessableEntity},
		{"unknown line status", "/lines/l1/status", gin.H{"status": "burnt", "actor_id": "staff:ana"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestPostLineStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	w := f.do(http.MethodPost, "/lines/l1/status", gin.H{"status": "preparing", "actor_id": "cook:bo"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Line model.Line `json:"line"`
		NoOp bool       `json:"no_op"`
	}
	decode(t, w, &out)
	assert.Equal(t, "preparing", string(out.Line.Status))
	assert.False(t, out.NoOp)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report struct {
		Healthy bool `json:"healthy"`
	}
	decode(t, w, &report)
	assert.True(t, report.Healthy)
}

func TestStream_UnknownTable(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/stream/customers", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStream_RelaysChanges(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream/orders", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "event:ready", sc.Text())

	_, err = f.engine.RequestTransition(ctx, "o1", "start_preparing", actorInput{ActorID: "staff:ana"}.actor())
	require.NoError(t, err)

	var data string
	for sc.Scan() {
		line := sc.Text()
		if line == "event:change" {
			require.True(t, sc.Scan())
			data = strings.TrimPrefix(sc.Text(), "data:")
			break
		}
	}
	require.NotEmpty(t, data)
	var ev struct {
		Table   string `json:"table"`
		ID      string `json:"id"`
		Version int64  `json:"version"`
		Entity  struct {
			Status string `json:"status"`
		} `json:"entity"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "orders", ev.Table)
	assert.Equal(t, "o1", ev.ID)
	assert.Equal(t, "preparing", ev.Entity.Status)
}
