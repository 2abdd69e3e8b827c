package surfacemap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/surface.report/internal/surface"
)

func TestAttachAdminRoutes(t *testing.T) {
	ix := NewIndex(nil, DefaultRadius, DefaultPrecision)
	ctx := context.Background()
	_, _, err := ix.Merge(ctx, point(51.0, -114.0, 5, 1000))
	require.NoError(t, err)
	_, _, err = ix.Merge(ctx, point(52.0, -114.0, 6, 1000))
	require.NoError(t, err)

	mux := http.NewServeMux()
	ix.AttachAdminRoutes(mux)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:12345"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/debug/surface-map")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []surface.RoughnessMapEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&all))
	assert.Len(t, all, 2)

	rec = get("/debug/surface-map?lat=51.00001&lon=-114.0")
	require.Equal(t, http.StatusOK, rec.Code)
	var near []surface.RoughnessMapEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&near))
	require.Len(t, near, 1)
	assert.Equal(t, 5.0, near[0].RoughnessValue)

	assert.Equal(t, http.StatusBadRequest, get("/debug/surface-map?lat=51").Code)
	assert.Equal(t, http.StatusBadRequest, get("/debug/surface-map?lat=x&lon=1").Code)
}
