// Package db stores rides, their points and the roughness map in SQLite.
package db

import (
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/surface.report/internal/httputil"
	"github.com/banshee-data/surface.report/internal/monitoring"
	"github.com/banshee-data/surface.report/internal/surface"
)

var dbLogf = monitoring.Component("db")

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
}

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (or creates) the database at path and migrates it to the
// latest schema.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenDB opens the database without touching its schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

func dsn(path string) string {
	var b strings.Builder
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteString("?")
		} else {
			b.WriteString("&")
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// AttachAdminRoutes mounts tailsql over the database, a backup download and
// read-only JSON views of rides and the persisted map on the debug mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Surface DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	debug.HandleFunc("rides", "Recorded rides (JSON); ?ride_id= for one ride's points", db.serveRides)
	debug.HandleFunc("stored-map", "Persisted roughness map (JSON); ?id= for one entry, ?lat=&lon=[&radius=] to search", db.serveStoredMap)
	return nil
}

// storedMapRadius is the search radius when none is given, in meters.
const storedMapRadius = 10.0

func (db *DB) serveStoredMap(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		e, err := db.MapEntry(r.Context(), id)
		if errors.Is(err, ErrNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, e)
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

	var entries []surface.RoughnessMapEntry
	if hasLat {
		if !hasRadius || radius <= 0 {
			radius = storedMapRadius
		}
		entries, err = db.MapEntriesWithin(r.Context(), lat, lon, radius)
	} else {
		entries, err = db.MapEntries(r.Context())
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if entries == nil {
		entries = []surface.RoughnessMapEntry{}
	}
	httputil.WriteJSONOK(w, entries)
}

func (db *DB) serveRides(w http.ResponseWriter, r *http.Request) {
	id, ok, err := httputil.QueryInt64(r, "ride_id")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !ok {
		rides, err := db.Rides(r.Context())
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, rides)
		return
	}

	ride, err := db.Ride(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	points, err := db.RidePoints(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, struct {
		Ride   surface.Ride        `json:"ride"`
		Points []surface.RidePoint `json:"points"`
	}{ride, points})
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("surface-backup-%d.db", time.Now().UnixNano()))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			dbLogf("failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		dbLogf("failed to stream backup: %v", err)
	}
}
