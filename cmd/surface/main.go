// Command surface records rides from a serial GPS and IMU, scores road
// roughness and maintains the surface map in SQLite.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/surface.report/internal/config"
	"github.com/banshee-data/surface.report/internal/db"
	"github.com/banshee-data/surface.report/internal/ride"
	"github.com/banshee-data/surface.report/internal/sensor"
	"github.com/banshee-data/surface.report/internal/serialmux"
	"github.com/banshee-data/surface.report/internal/surfacemap"
	"github.com/banshee-data/surface.report/internal/timeutil"
	"github.com/banshee-data/surface.report/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a .json, .yaml or .yml config file")
	devMode     = flag.Bool("dev", false, "Replay built-in GPS and IMU fixtures instead of opening serial ports")
	listen      = flag.String("listen", "", "Debug HTTP listen address (overrides config)")
	dbPath      = flag.String("db-path", "", "SQLite database path (overrides config)")
	gpsPort     = flag.String("gps-port", "", "GPS serial port (overrides config)")
	imuPort     = flag.String("imu-port", "", "IMU serial port (overrides config)")
	autostart   = flag.Bool("autostart", false, "Start recording a ride immediately")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// devGPSInterval and devIMUInterval pace fixture replay. GPS receivers emit
// about one sentence per second; IMUs run much faster.
const (
	devGPSInterval = 500 * time.Millisecond
	devIMUInterval = 20 * time.Millisecond
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("surface", version.String())
		return
	}

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	applyFlagOverrides(cfg)

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	index := surfacemap.NewIndex(database, cfg.GetProximityRadius(), cfg.GetCellPrecision())
	if err := index.Load(ctx); err != nil {
		log.Fatalf("failed to load surface map: %v", err)
	}
	log.Printf("loaded %d surface map entries", index.Len())

	gpsMux, err := openMux("gps", cfg.GetGPS(), fixtureLines(gpsFixture), devGPSInterval)
	if err != nil {
		log.Fatalf("failed to open gps: %v", err)
	}
	defer gpsMux.Close()
	imuMux, err := openMux("imu", cfg.GetIMU(), fixtureLines(imuFixture), devIMUInterval)
	if err != nil {
		log.Fatalf("failed to open imu: %v", err)
	}
	defer imuMux.Close()

	clock := timeutil.RealClock{}
	var location sensor.LocationSource
	if *devMode || cfg.GetGPS().Port != "" {
		nmeaSrc := sensor.NewNMEALocation(gpsMux, clock)
		nmeaSrc.FixTimeout = cfg.GetFixTimeout()
		nmeaSrc.UERE = cfg.GetUERE()
		location = nmeaSrc
	}
	var motion sensor.MotionSource
	if *devMode || cfg.GetIMU().Port != "" {
		motion = sensor.NewIMUMotion(imuMux)
	}

	events := ride.NewBroadcaster()
	recorder := ride.NewRecorder(ride.Config{
		Location:    location,
		Motion:      motion,
		Index:       index,
		Store:       database,
		Sink:        events,
		Clock:       clock,
		Interval:    cfg.GetTickInterval(),
		FilterAlpha: cfg.GetFilterAlpha(),
	})

	var wg sync.WaitGroup
	for name, m := range map[string]serialmux.SerialMuxInterface{"gps": gpsMux, "imu": imuMux} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s monitor stopped: %v", name, err)
			}
		}()
	}

	mux := http.NewServeMux()
	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.String())
	if err := database.AttachAdminRoutes(mux); err != nil {
		log.Fatalf("failed to attach database routes: %v", err)
	}
	gpsMux.AttachAdminRoutes(mux, "gps")
	imuMux.AttachAdminRoutes(mux, "imu")
	index.AttachAdminRoutes(mux)
	events.AttachAdminRoutes(mux)
	recorder.AttachAdminRoutes(mux)

	server := &http.Server{
		Addr:              cfg.GetListen(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("debug server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("debug server failed: %v", err)
			stop()
		}
	}()

	if *autostart {
		if err := recorder.Start(ctx); err != nil {
			log.Printf("failed to start ride: %v", err)
		}
	}

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdown(shutdownCtx, server, recorder)
	wg.Wait()
	log.Printf("graceful shutdown complete")
}

// shutdown closes the debug server before stopping the recorder: a ride
// started by a request that slipped in after Stop would never be flushed.
func shutdown(ctx context.Context, server *http.Server, recorder *ride.Recorder) {
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		server.Close()
	}

	if r, err := recorder.Stop(ctx); err == nil {
		log.Printf("stopped ride %d with %d points", r.ID, r.TotalPoints)
	} else if !errors.Is(err, ride.ErrNotRecording) {
		log.Printf("failed to flush ride %d: %v", r.ID, err)
	}
}

func applyFlagOverrides(cfg *config.Config) {
	if *listen != "" {
		cfg.Listen = listen
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	if *gpsPort != "" {
		gps := cfg.GetGPS()
		gps.Port = *gpsPort
		cfg.GPS = &gps
	}
	if *imuPort != "" {
		imu := cfg.GetIMU()
		imu.Port = *imuPort
		cfg.IMU = &imu
	}
}

// openMux returns a fixture replay in dev mode, a disabled mux when no
// port is configured, and the real device otherwise.
func openMux(name string, dev config.DeviceConfig, fixture []string, interval time.Duration) (serialmux.SerialMuxInterface, error) {
	switch {
	case *devMode:
		log.Printf("%s: replaying %d fixture lines", name, len(fixture))
		return serialmux.NewMockSerialMux(fixture, interval), nil
	case dev.Port == "":
		log.Printf("%s: no port configured, disabled", name)
		return serialmux.NewDisabledSerialMux(), nil
	}
	m, err := serialmux.NewRealSerialMux(dev.Port, dev.PortOptions)
	if err != nil {
		return nil, err
	}
	log.Printf("%s: opened %s", name, dev.Port)
	return m, nil
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nRecords rides and maintains the road surface map.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}
