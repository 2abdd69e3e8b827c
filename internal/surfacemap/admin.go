package surfacemap

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/surface.report/internal/httputil"
)

// AttachAdminRoutes serves /debug/surface-map. Without parameters it returns
// every entry; with lat and lon it returns a Query around that point
// (radius in meters, default the proximity radius).
func (ix *Index) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("surface-map", "Roughness map entries (JSON)", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		lat, hasLat, err := httputil.QueryFloat(r, "lat")
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		lon, hasLon, err := httputil.QueryFloat(r, "lon")
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		radius, hasRadius, err := httputil.QueryFloat(r, "radius")
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if hasLat != hasLon {
			httputil.BadRequest(w, "lat and lon must be given together")
			return
		}
		if !hasLat {
			httputil.WriteJSONOK(w, ix.Entries())
			return
		}
		if !hasRadius || radius <= 0 {
			radius = ix.Radius
		}
		httputil.WriteJSONOK(w, ix.Query(lat, lon, radius))
	})
}
