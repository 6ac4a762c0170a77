package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/autosteer/internal/api"
	"github.com/banshee-data/autosteer/internal/autosteer"
	"github.com/banshee-data/autosteer/internal/config"
	"github.com/banshee-data/autosteer/internal/db"
	"github.com/banshee-data/autosteer/internal/sensorfeed"
	"github.com/banshee-data/autosteer/internal/vehicle"
	"github.com/banshee-data/autosteer/internal/version"
)

// defaultFixtures sweep the wire across both sides of the vehicle.
var defaultFixtures = []string{
	`{"active": false, "wire_distance": null, "metadata": null}`,
	`{"active": true, "wire_distance": 0.0, "metadata": null}`,
	`{"active": true, "wire_distance": 0.8, "metadata": null}`,
	`{"active": true, "wire_distance": 1.6, "metadata": {"source": "fixture"}}`,
	`{"active": true, "wire_distance": 3.5, "metadata": null}`,
	`{"active": true, "wire_distance": -0.8, "metadata": null}`,
	`{"active": true, "wire_distance": -2.4, "metadata": null}`,
	`{"active": true, "wire_distance": null, "metadata": null}`,
}

type options struct {
	configPath string
	portPath   string
	baudRate   int
	listen     string
	dbPath     string
	devMode    bool
	fixtures   string
	showVer    bool

	// set records which flags were given explicitly.
	set map[string]bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	o := &options{set: map[string]bool{}}
	fs.StringVar(&o.configPath, "config", "", "Path to a JSON config file (defaults apply when empty)")
	fs.StringVar(&o.portPath, "port", sensorfeed.DefaultPortPath, "Serial port of the wire sensor (ignored in dev mode)")
	fs.IntVar(&o.baudRate, "baud", sensorfeed.DefaultBaudRate, "Serial baud rate")
	fs.StringVar(&o.listen, "listen", ":8080", "Listen address")
	fs.StringVar(&o.dbPath, "db", "autosteer.db", "SQLite link journal path")
	fs.BoolVar(&o.devMode, "dev", false, "Replay fixture readings instead of opening a serial port")
	fs.StringVar(&o.fixtures, "fixtures", "", "File of JSON lines to replay in dev mode")
	fs.BoolVar(&o.showVer, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o, nil
}

// settings is the merged result of flags and the config file.
type settings struct {
	port     sensorfeed.PortOptions
	loop     autosteer.LoopConfig
	listen   string
	dbPath   string
	vehicle  vehicle.Params
	fromFlag bool
}

func resolveSettings(o *options, cfg *config.Config) (*settings, error) {
	s := &settings{
		port: cfg.PortOptions(),
		loop: autosteer.LoopConfig{
			Period:     cfg.GetLoopPeriod(),
			Backoff:    cfg.GetReconnectBackoff(),
			MaxBackoff: cfg.GetReconnectMaxBackoff(),
		},
		listen:  cfg.GetListen(),
		dbPath:  cfg.GetDBPath(),
		vehicle: cfg.VehicleParams(),
	}

	if o.set["port"] {
		s.port.PortPath = o.portPath
		s.fromFlag = true
	}
	if o.set["baud"] {
		s.port.BaudRate = o.baudRate
		s.fromFlag = true
	}
	if o.set["listen"] {
		s.listen = o.listen
	}
	if o.set["db"] {
		s.dbPath = o.dbPath
	}

	if s.listen == "" {
		return nil, errors.New("listen address is required")
	}
	if _, err := s.port.Normalize(); err != nil {
		return nil, fmt.Errorf("serial options: %w", err)
	}
	return s, nil
}

// selectPortOptions applies the precedence flags > enabled stored config >
// config file.
func selectPortOptions(s *settings, stored []db.SerialConfig) (sensorfeed.PortOptions, string) {
	if s.fromFlag || len(stored) == 0 {
		if s.fromFlag {
			return s.port, "flags"
		}
		return s.port, "config file"
	}
	if len(stored) > 1 {
		log.Printf("%d enabled serial configs stored, using %q", len(stored), stored[0].Name)
	}
	return stored[0].PortOptions(s.port.ReadTimeout), fmt.Sprintf("stored config %q", stored[0].Name)
}

func loadFixtures(path string) ([]string, error) {
	if path == "" {
		return defaultFixtures, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixtures file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fixtures file: %w", err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("fixtures file %s has no lines", path)
	}
	return lines, nil
}

func run(ctx context.Context, o *options) error {
	cfg := config.Empty()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return err
		}
	}

	s, err := resolveSettings(o, cfg)
	if err != nil {
		return err
	}

	database, err := db.NewDB(s.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()
	if err := database.MigrateUp(); err != nil {
		return err
	}

	stored, err := database.GetEnabledSerialConfigs()
	if err != nil {
		return err
	}
	portOpts, source := selectPortOptions(s, stored)

	var opener sensorfeed.PortOpener
	if o.devMode {
		lines, err := loadFixtures(o.fixtures)
		if err != nil {
			return err
		}
		opener = sensorfeed.NewFixturePort(lines, 100*time.Millisecond)
		source = "dev fixtures"
	}

	reader, err := sensorfeed.NewReader(portOpts, opener)
	if err != nil {
		return err
	}
	log.Printf("using serial options %s from %s", reader.Options(), source)

	model, err := vehicle.NewBicycleModel(s.vehicle)
	if err != nil {
		return fmt.Errorf("vehicle model: %w", err)
	}
	vehicles := vehicle.NewStore()
	controller := autosteer.NewController(model, vehicles, nil)
	loop := autosteer.NewLoop(reader, controller, s.loop, database)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	// control loop routine; losing the device at startup is fatal
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errc <- fmt.Errorf("control loop: %w", err)
			cancel()
			return
		}
		log.Print("control loop terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		apiServer := api.NewServer(controller, vehicles, loop, database)

		// mount the admin debugging routes (accessible only locally or over Tailscale)
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Printf("admin routes disabled: %v", err)
		}
		apiServer.AttachAdminRoutes(mux)
		mux.Handle("/api/", apiServer.ServeMux())

		server := &http.Server{
			Addr:    s.listen,
			Handler: api.LoggingMiddleware(mux),
		}

		serveErr := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serveErr <- err
			}
		}()

		select {
		case err := <-serveErr:
			errc <- fmt.Errorf("failed to start server: %w", err)
			cancel()
			return
		case <-ctx.Done():
		}
		log.Println("shutting down HTTP server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	close(errc)
	return <-errc
}

func main() {
	o, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if o.showVer {
		fmt.Println(version.String())
		return
	}
	log.Print(version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o); err != nil {
		log.Fatalf("autosteer: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
