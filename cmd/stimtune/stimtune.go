package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/stimtune/internal/api"
	"github.com/banshee-data/stimtune/internal/config"
	"github.com/banshee-data/stimtune/internal/db"
	"github.com/banshee-data/stimtune/internal/electrode"
	"github.com/banshee-data/stimtune/internal/report"
	"github.com/banshee-data/stimtune/internal/security"
	"github.com/banshee-data/stimtune/internal/serialmux"
	"github.com/banshee-data/stimtune/internal/ses"
	"github.com/banshee-data/stimtune/internal/signal"
	"github.com/banshee-data/stimtune/internal/simulate"
	"github.com/banshee-data/stimtune/internal/stimulator"
	"github.com/banshee-data/stimtune/internal/timeutil"
	"github.com/banshee-data/stimtune/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Drive a simulated muscle instead of the serial stimulator")
	listen     = flag.String("listen", ":8080", "Listen address")
	port       = flag.String("port", "/dev/ttyACM0", "Serial port to use (ignored in dev mode)")
	baud       = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	dbPath     = flag.String("db-path", "stimtune.db", "SQLite database path")
	configPath = flag.String("config", "", "Tuning config JSON (defaults are built in)")
	minCurrent = flag.Int("min-current", -1, "Lowest current in mA (-1 uses the config)")
	maxCurrent = flag.Int("max-current", -1, "Highest current in mA (-1 uses the config)")
	once       = flag.Bool("once", false, "Run one optimisation, print the result and exit")
	plotDir    = flag.String("plot-dir", "", "Write a history PNG per -once run into this directory")
	replayPath = flag.String("replay", "", "Dev mode: feed the optimiser a recorded IMU session instead of the simulated response")
	replayRate = flag.Duration("replay-interval", 10*time.Millisecond, "Dev mode: interval between replayed frames")
	simNoise   = flag.Float64("sim-noise", 0.05, "Dev mode: standard deviation of the simulated activation noise")
	showVer    = flag.Bool("version", false, "Print build information and exit")
)

// windowHistory is how many sensor samples per channel are retained.
const windowHistory = 4096

// currentRange applies the -min-current/-max-current overrides to cfg.
func currentRange(cfg ses.Config, lo, hi int) (int, int) {
	if lo >= 0 {
		cfg.MinCurrent = lo
	}
	if hi >= 0 {
		cfg.MaxCurrent = hi
	}
	return cfg.MinCurrent, cfg.MaxCurrent
}

// hardware is what the optimiser and HTTP layer need from the stimulator,
// real or simulated.
type hardware struct {
	mux      serialmux.Mux
	act      ses.Actuator
	src      ses.SampleSource
	firmware api.FirmwareInfo
	// run consumes the device until ctx is done.
	run func(ctx context.Context) error
}

func openSimulated(seed uint64) (*hardware, error) {
	muscle := simulate.NewMuscle(simulate.DefaultOptimum, simulate.DistanceIndex, *simNoise, seed)
	window := signal.NewWindow(windowHistory)
	dev := simulate.NewDevice(muscle, window)
	hw := &hardware{
		mux: serialmux.NewDisabledSerialMux(),
		act: dev,
		src: dev,
		run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	if *replayPath == "" {
		return hw, nil
	}

	frames, err := simulate.LoadRecording(*replayPath)
	if err != nil {
		return nil, err
	}
	log.Printf("replaying %d frames from %s every %s", len(frames), *replayPath, *replayRate)
	replayed := signal.NewWindow(windowHistory)
	hw.src = replayed
	hw.run = func(ctx context.Context) error {
		return simulate.Replay(ctx, timeutil.RealClock{}, frames, replayed, *replayRate)
	}
	return hw, nil
}

func openSerial() (*hardware, error) {
	opts, err := serialmux.PortOptions{BaudRate: *baud}.Normalize()
	if err != nil {
		return nil, err
	}
	m, err := serialmux.NewRealSerialMux(*port, opts)
	if err != nil {
		return nil, err
	}
	dev := stimulator.New(m, signal.NewWindow(windowHistory))
	return &hardware{mux: m, act: dev, src: dev, firmware: dev, run: dev.Run}, nil
}

func runOnce(ctx context.Context, opt *ses.Optimizer, store *db.Store, lo, hi int) error {
	res, err := opt.Start(ctx, lo, hi,
		func(p electrode.Pair) { log.Printf("probing pair %s", p) },
		func(c int) { log.Printf("current level %d mA", c) },
	)
	runID := opt.State().RunID
	if *plotDir != "" && runID != "" {
		if perr := writePlot(store, runID); perr != nil {
			log.Printf("failed to write history plot: %v", perr)
		}
	}
	if err != nil {
		return err
	}
	fmt.Printf("run %s converged after %d iterations: pair %s at %d mA\n", res.RunID, res.Iterations, res.Pair, res.Current)
	return nil
}

func writePlot(store *db.Store, runID string) error {
	if err := os.MkdirAll(*plotDir, 0o755); err != nil {
		return err
	}
	recs, err := store.Iterations(context.Background(), runID)
	if err != nil {
		return err
	}
	path, err := security.OutputPath(*plotDir, runID, ".png")
	if err != nil {
		return err
	}
	if err := report.SaveHistoryPNG(path, recs); err != nil {
		return err
	}
	log.Printf("wrote %s", path)
	return nil
}

// Main
func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.Get())
		return
	}

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "migrate":
			if err := db.RunMigrateCommand(flag.Args()[1:], *dbPath, os.Stdout); err != nil {
				log.Fatalf("migrate: %v", err)
			}
			return
		default:
			log.Fatalf("unknown command %q", flag.Arg(0))
		}
	}

	if *listen == "" && !*once {
		log.Fatal("Listen address is required")
	}
	log.Printf("starting %s", version.Get())

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		if tuning, err = config.LoadTuningConfig(*configPath); err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}
	cond, err := tuning.BuildConditioner()
	if err != nil {
		log.Fatalf("failed to build conditioner: %v", err)
	}
	cfg := tuning.SESConfig()
	lo, hi := currentRange(cfg, *minCurrent, *maxCurrent)

	var hw *hardware
	if *devMode {
		seed := uint64(tuning.GetSeed())
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		hw, err = openSimulated(seed)
	} else {
		hw, err = openSerial()
	}
	if err != nil {
		log.Fatalf("failed to open stimulator: %v", err)
	}
	defer hw.mux.Close()

	if err := hw.mux.Initialize(); err != nil {
		log.Fatalf("failed to initialize device: %v", err)
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	store := db.NewStore(database)

	opts := []ses.Option{
		ses.WithExporter(store),
		ses.WithObserver(store),
		ses.WithConditionerName(tuning.GetConditioner()),
	}
	if seed := tuning.GetSeed(); seed != 0 {
		opts = append(opts, ses.WithSeed(seed))
	}
	opt, err := ses.New(cfg, hw.act, hw.src, cond, opts...)
	if err != nil {
		log.Fatalf("invalid optimiser configuration: %v", err)
	}

	// Create a wait group for the serial monitor, device reader and HTTP
	// server routines
	var wg sync.WaitGroup
	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hw.mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
		// The link is gone; nothing useful can run without it.
		stop()
	}()

	// consume sensor frames and command replies
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hw.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("device routine stopped: %v", err)
			stop()
		}
		log.Print("device routine terminated")
	}()

	if *once {
		err := runOnce(ctx, opt, store, lo, hi)
		stop()
		wg.Wait()
		if err != nil {
			log.Fatalf("optimisation failed: %v", err)
		}
		return
	}

	runner := ses.NewRunner(opt)

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(hw.mux, store, runner, tuning, hw.firmware).ServeMux()
		hw.mux.AttachAdminRoutes(mux)
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach database admin routes: %v", err)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// Stimulation must be off before the port closes.
		runner.Stop()
		runner.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
