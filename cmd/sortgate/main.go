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

	"github.com/banshee-data/sortgate/internal/api"
	"github.com/banshee-data/sortgate/internal/config"
	"github.com/banshee-data/sortgate/internal/journal"
	"github.com/banshee-data/sortgate/internal/monitoring"
	"github.com/banshee-data/sortgate/internal/pipeline"
	"github.com/banshee-data/sortgate/internal/serialmux"
	"github.com/banshee-data/sortgate/internal/sorting"
	"github.com/banshee-data/sortgate/internal/version"
)

var (
	configPath     = flag.String("config", "", "Path to JSON config file")
	listen         = flag.String("listen", config.DefaultListen, "Listen address")
	port           = flag.String("port", config.DefaultSerialPort, "Serial port of the sorting actuator")
	disableSerial  = flag.Bool("disable-serial", false, "Discard packets instead of writing to the actuator")
	replay         = flag.String("replay", "-", "JSON-lines detection file to replay, or - for stdin")
	replayInterval = flag.Duration("replay-interval", 0, "Delay between replayed frames (0 = as fast as possible)")
	journalPath    = flag.String("journal", config.DefaultJournalPath, "Classification journal database (empty disables)")
	protocolName   = flag.String("protocol", config.DefaultProtocol, "Named actuator protocol map")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

// applyFlags lets explicitly set flags override file and environment values.
func applyFlags(cfg *config.Config, set map[string]bool) {
	if set["listen"] {
		cfg.Listen = listen
	}
	if set["journal"] {
		cfg.JournalPath = journalPath
	}
	if set["protocol"] {
		cfg.Protocol = protocolName
	}
	if set["port"] || set["disable-serial"] {
		if cfg.Serial == nil {
			cfg.Serial = &config.SerialConfig{}
		}
		if set["port"] {
			cfg.Serial.Port = port
		}
		if set["disable-serial"] {
			cfg.Serial.Disabled = disableSerial
		}
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.EmptyConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	applyFlags(cfg, set)
	return cfg, cfg.Validate()
}

func openSource() (pipeline.Source, func() error, error) {
	if *replay == "-" {
		src := pipeline.NewReplaySource(os.Stdin, *replayInterval, nil)
		return src, func() error { return nil }, nil
	}
	src, err := pipeline.OpenReplay(*replay, *replayInterval)
	if err != nil {
		return nil, nil, err
	}
	return src, src.Close, nil
}

func openLink(cfg *config.Config) (serialmux.Actuator, error) {
	if cfg.GetSerialDisabled() {
		log.Printf("serial disabled, packets will be discarded")
		return serialmux.NewDisabledLink(), nil
	}
	link, err := serialmux.NewRealLink(cfg.GetSerialPort(), cfg.GetPortOptions())
	if err != nil {
		return nil, err
	}
	log.Printf("opened actuator on %s", cfg.GetSerialPort())
	return link, nil
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	opts, err := cfg.SessionOptions(nil)
	if err != nil {
		log.Fatalf("invalid session options: %v", err)
	}
	session, err := sorting.NewSession(opts)
	if err != nil {
		log.Fatalf("failed to create session: %v", err)
	}

	link, err := openLink(cfg)
	if err != nil {
		log.Fatalf("failed to open actuator: %v", err)
	}
	defer link.Close()

	source, closeSource, err := openSource()
	if err != nil {
		log.Fatalf("failed to open detection source: %v", err)
	}
	defer closeSource()

	metrics := monitoring.NewMetrics()
	var sinks []pipeline.EventSink
	var j *journal.Journal
	if path := cfg.GetJournalPath(); path != "" {
		if j, err = journal.Open(path); err != nil {
			log.Fatalf("failed to open journal: %v", err)
		}
		defer j.Close()
		sinks = append(sinks, j)
	}

	width, height := cfg.GetImageSize()
	runner, err := pipeline.NewRunner(pipeline.Options{
		Session:     session,
		Source:      source,
		Writer:      link,
		Metrics:     metrics,
		Sinks:       sinks,
		ImageWidth:  width,
		ImageHeight: height,
	})
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}

	log.Printf("%s: session %s, protocol %s", version.String(), session.ID(), cfg.GetProtocol())

	// Create a wait group for the HTTP server, serial monitor, and pipeline routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// read lines printed by the actuator so the admin tail can show them
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// the pipeline runs until the source is exhausted or we are signalled;
	// the HTTP server stays up afterwards so the final state can be read
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("pipeline stopped with error: %v", err)
		}
		snap := runner.Snapshot()
		log.Printf("session %s %s: %d frames, %d packets, %d items", snap.ID, snap.Status,
			snap.Statistics.TotalFrames, snap.Statistics.SerialPacketsSent, snap.TotalCount)
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiServer := api.NewServer(runner, link, j, metrics)
		mux := apiServer.ServeMux()
		apiServer.AttachAdminRoutes(mux)
		link.AttachAdminRoutes(mux)
		if j != nil {
			if err := j.AttachAdminRoutes(mux); err != nil {
				log.Printf("journal admin routes unavailable: %v", err)
			}
		}

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

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
