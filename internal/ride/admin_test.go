package ride

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_AdminRoutes(t *testing.T) {
	h := newHarness(t, &fakeMotion{})
	mux := http.NewServeMux()
	h.rec.AttachAdminRoutes(mux)

	do := func(method, path string) (int, recorderStatus) {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "127.0.0.1:12345"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		var st recorderStatus
		if rec.Code == http.StatusOK {
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
		}
		return rec.Code, st
	}

	code, st := do(http.MethodGet, "/debug/ride/status")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", st.State)
	assert.Nil(t, st.Ride)

	code, _ = do(http.MethodPost, "/debug/ride/stop")
	assert.Equal(t, http.StatusConflict, code)
	code, _ = do(http.MethodGet, "/debug/ride/start")
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	code, st = do(http.MethodPost, "/debug/ride/start")
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, st.Ride)
	id := st.Ride.ID

	code, _ = do(http.MethodPost, "/debug/ride/start")
	assert.Equal(t, http.StatusConflict, code)

	h.location.deliver(51.0, -114.0, 1000)
	h.tick(t)

	code, st = do(http.MethodPost, "/debug/ride/stop")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, id, st.Ride.ID)
	assert.Equal(t, 1, st.Ride.TotalPoints)
}
