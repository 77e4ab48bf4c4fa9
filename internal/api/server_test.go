package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/parcel-cli/internal/geometry"
	"github.com/sells-group/parcel-cli/internal/parcel"
	"github.com/sells-group/parcel-cli/internal/risk"
	"github.com/sells-group/parcel-cli/internal/sink"
	"github.com/sells-group/parcel-cli/internal/store"
	"github.com/sells-group/parcel-cli/internal/tracker"
)

func newBackend(t *testing.T) *store.Backend {
	t.Helper()
	b, err := store.OpenSQLite(filepath.Join(t.TempDir(), "parcels.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.Migrate(context.Background()))
	return b
}

func newServer(b *store.Backend) *Server {
	return NewServer(Deps{
		Counties:    parcel.MustCounties(),
		Tracker:     b.Tracker,
		Assessments: b.Assessments,
		Parcels:     b.Parcels,
		Hazards:     b.Hazards,
		Ping:        b.Ping,
	})
}

// loadBatch records one succeeded batch for county 15 holding ids.
func loadBatch(t *testing.T, b *store.Backend, seq int, ids ...string) {
	t.Helper()
	ctx := context.Background()
	records := make([]parcel.Parcel, len(ids))
	for i, id := range ids {
		g, err := geometry.ParseWKT("POLYGON((-82.1 26.9,-82.099 26.9,-82.099 26.901,-82.1 26.901,-82.1 26.9))")
		require.NoError(t, err)
		records[i] = parcel.Parcel{CountyCode: 15, ParcelID: id, CountyFIPS: "12015", Geometry: g}
	}
	h, err := b.Tracker.BeginBatch(ctx, tracker.BatchKey{RunID: "run-1", County: 15, Seq: seq}, len(ids))
	require.NoError(t, err)
	require.NoError(t, b.Tracker.StartBatch(ctx, h))
	_, err = b.Sink.Upsert(ctx, sink.Request{Records: records, BatchRef: fmt.Sprintf("run-1/15/%d", seq)})
	require.NoError(t, err)
	require.NoError(t, b.Tracker.CompleteBatch(ctx, h, len(ids), 0, nil))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealth(t *testing.T) {
	b := newBackend(t)
	rr := get(t, newServer(b).Router(nil), "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestHealth_DatabaseDown(t *testing.T) {
	s := NewServer(Deps{Ping: func(context.Context) error { return errors.New("connection refused") }})
	rr := get(t, s.Router(nil), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestImportStatus(t *testing.T) {
	b := newBackend(t)
	loadBatch(t, b, 1, "A", "B")
	loadBatch(t, b, 2, "C")
	h := newServer(b).Router(nil)

	for _, path := range []string{"/v1/counties/15/imports", "/v1/counties/charlotte/imports", "/v1/counties/12015/imports"} {
		rr := get(t, h, path)
		require.Equal(t, http.StatusOK, rr.Code, path)

		var s tracker.Summary
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &s))
		assert.Equal(t, 15, s.County)
		assert.Equal(t, 2, s.TotalBatches)
		assert.Equal(t, 2, s.Succeeded)
		assert.Equal(t, 3, s.Records)
		assert.NotNil(t, s.LastActivity)
	}
}

func TestImportStatus_EmptyCounty(t *testing.T) {
	b := newBackend(t)
	rr := get(t, newServer(b).Router(nil), "/v1/counties/16/imports")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"failed_batches":[]`)
}

func TestImportBatches(t *testing.T) {
	b := newBackend(t)
	loadBatch(t, b, 1, "A")
	rr := get(t, newServer(b).Router(nil), "/v1/counties/15/imports/batches")
	require.Equal(t, http.StatusOK, rr.Code)

	var attempts []tracker.Attempt
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &attempts))
	require.Len(t, attempts, 1)
	assert.Equal(t, tracker.StatusSucceeded, attempts[0].Status)
}

func TestCountyValidation(t *testing.T) {
	h := newServer(newBackend(t)).Router(nil)
	tests := []struct {
		path string
		code int
	}{
		{"/v1/counties/0/imports", http.StatusBadRequest},
		{"/v1/counties/68/risk", http.StatusBadRequest},
		{"/v1/counties/atlantis/imports", http.StatusBadRequest},
		{"/v1/counties/67/risk", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.code, get(t, h, tt.path).Code)
		})
	}
}

func TestRiskCounts(t *testing.T) {
	b := newBackend(t)
	loadBatch(t, b, 1, "A", "B", "C")
	require.NoError(t, b.Assessments.WriteAssessments(context.Background(), []risk.Assessment{
		{CountyCode: 15, ParcelID: "A", Overall: 85, Category: risk.CategoryExtreme},
		{CountyCode: 15, ParcelID: "B", Overall: 10, Category: risk.CategoryMinimal},
		{CountyCode: 15, ParcelID: "C", Overall: 5, Category: risk.CategoryMinimal},
	}))

	rr := get(t, newServer(b).Router(nil), "/v1/counties/15/risk")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp riskResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 15, resp.County)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Categories[risk.CategoryMinimal])
	assert.Equal(t, 1, resp.Categories[risk.CategoryExtreme])
	assert.Equal(t, 0, resp.Categories[risk.CategoryHigh])
}

func TestGetParcel(t *testing.T) {
	b := newBackend(t)
	loadBatch(t, b, 1, "A")
	require.NoError(t, b.Assessments.WriteAssessments(context.Background(), []risk.Assessment{
		{CountyCode: 15, ParcelID: "A", Flood: 100, Overall: 35, Category: risk.CategoryLow},
	}))
	h := newServer(b).Router(nil)

	rr := get(t, h, "/v1/counties/15/parcels/A")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		ParcelID string     `json:"parcel_id"`
		Centroid [2]float64 `json:"centroid"`
		Lineage  []string   `json:"batch_lineage"`
		Risk     struct {
			Flood    int    `json:"flood_score"`
			Category string `json:"risk_category"`
		} `json:"risk"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "A", body.ParcelID)
	assert.InDelta(t, -82.0995, body.Centroid[0], 1e-6)
	assert.InDelta(t, 26.9005, body.Centroid[1], 1e-6)
	assert.Equal(t, []string{"run-1/15/1"}, body.Lineage)
	assert.Equal(t, 100, body.Risk.Flood)
	assert.Equal(t, "LOW", body.Risk.Category)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/counties/15/parcels/ZZZ").Code)
}

func TestListCountiesAndHazards(t *testing.T) {
	h := newServer(newBackend(t)).Router(nil)

	rr := get(t, h, "/v1/counties")
	require.Equal(t, http.StatusOK, rr.Code)
	var counties []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &counties))
	assert.Len(t, counties, parcel.MaxCountyCode)
	charlotte, unassigned := counties[14], counties[15]
	assert.Equal(t, "Charlotte", charlotte["name"])
	assert.Equal(t, true, charlotte["fips_assigned"])
	assert.NotContains(t, unassigned, "name")
	assert.Equal(t, false, unassigned["fips_assigned"])
	assert.Equal(t, "FIPS 12016 is not assigned to a Florida county", unassigned["note"])

	rr = get(t, h, "/v1/hazards")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestCORS(t *testing.T) {
	h := newServer(newBackend(t)).Router([]string{"https://maps.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/v1/counties/15/risk", nil)
	req.Header.Set("Origin", "https://maps.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "https://maps.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}
