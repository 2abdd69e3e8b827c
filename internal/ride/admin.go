package ride

import (
	"errors"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/surface.report/internal/httputil"
	"github.com/banshee-data/surface.report/internal/surface"
)

type recorderStatus struct {
	State string        `json:"state"`
	Ride  *surface.Ride `json:"ride,omitempty"`
}

// AttachAdminRoutes mounts operator controls: GET /debug/ride/status,
// POST /debug/ride/start and POST /debug/ride/stop.
func (r *Recorder) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("ride/status", "Recorder state and active ride (JSON)", func(w http.ResponseWriter, req *http.Request) {
		st := recorderStatus{State: r.State().String()}
		if ride, ok := r.ActiveRide(); ok {
			st.Ride = &ride
		}
		httputil.WriteJSONOK(w, st)
	})

	debug.HandleSilentFunc("ride/start", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		err := r.Start(req.Context())
		switch {
		case errors.Is(err, ErrAlreadyRecording):
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		ride, _ := r.ActiveRide()
		httputil.WriteJSONOK(w, recorderStatus{State: StateRecording.String(), Ride: &ride})
	})

	debug.HandleSilentFunc("ride/stop", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		ride, err := r.Stop(req.Context())
		switch {
		case errors.Is(err, ErrNotRecording):
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, recorderStatus{State: StateIdle.String(), Ride: &ride})
	})
}
