package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/chainpaint/chainpaint/app/services/engine/handlers"
	"github.com/chainpaint/chainpaint/business/core/board"
	"github.com/chainpaint/chainpaint/business/core/ingest"
	"github.com/chainpaint/chainpaint/business/sys/kvstore"
	"github.com/chainpaint/chainpaint/foundation/blocks"
	"github.com/chainpaint/chainpaint/foundation/events"
	"github.com/chainpaint/chainpaint/foundation/logger"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("ENGINE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
		}
		ContractID        string `conf:"default:pixels.chainpaint.near"`
		KvURL             string `conf:"default:redis://127.0.0.1:6379,mask"`
		ListenAddr        string `conf:"default:0.0.0.0:3000"`
		StartBlock        uint64 `conf:"default:0"`
		ConsumerTimeoutMs int    `conf:"default:5000"`
		BlocksURL         string `conf:"default:https://mainnet.blockdata.chainpaint.io"`
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "copyright information here",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags. The empty prefix
	// keeps the operator surface at CONTRACT_ID, KV_URL, LISTEN_ADDR,
	// START_BLOCK and CONSUMER_TIMEOUT_MS.
	help, err := conf.Parse("", &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Keyed Store Support

	log.Infow("startup", "status", "initializing keyed store support")

	kv, err := kvstore.Open(kvstore.Config{
		URL: cfg.KvURL,
	})
	if err != nil {
		return fmt.Errorf("opening keyed store: %w", err)
	}
	defer func() {
		log.Infow("shutdown", "status", "closing keyed store connection")
		kv.Close()
	}()

	// =========================================================================
	// Pipeline Support

	// The hub carries applied events from the applier to every connected
	// stream subscriber.
	hub := events.New()

	bd := board.New(board.Config{
		Log:             log,
		KV:              kv,
		Hub:             hub,
		ConsumerTimeout: time.Duration(cfg.ConsumerTimeoutMs) * time.Millisecond,
	})

	ing := ingest.New(ingest.Config{
		Log:        log,
		KV:         kv,
		Source:     blocks.NewClient(cfg.BlocksURL),
		ContractID: cfg.ContractID,
		StartBlock: cfg.StartBlock,
	})

	// The pipeline tasks run until the context is canceled. A fatal applier
	// error terminates the whole service so supervision restarts it into
	// the replay path.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipelineErrors := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := bd.Run(ctx); err != nil {
			pipelineErrors <- fmt.Errorf("applier: %w", err)
		}
	}()

	go func() {
		defer wg.Done()
		if err := ing.Run(ctx); err != nil {
			pipelineErrors <- fmt.Errorf("ingester: %w", err)
		}
	}()

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug router started", "host", cfg.Web.DebugHost)

	// The Debug function returns a mux to listen and serve on for all the
	// debug related endpoints. This includes the standard library endpoints.
	debugMux := handlers.DebugMux(build, log, kv)

	// Start the service listening for debug requests.
	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debugMux); err != nil {
			log.Errorw("shutdown", "status", "debug router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Start API Service

	log.Infow("startup", "status", "initializing API support")

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	// Construct the mux for the API calls. Region blobs compress well, so
	// the whole mux is served through gzip content encoding.
	apiMux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		KV:       kv,
		Hub:      hub,
	})

	// Construct a server to service the requests against the mux. There is
	// no write timeout: stream sockets are long lived and manage their own
	// send deadlines.
	api := http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     gzhttp.GzipHandler(apiMux),
		ReadTimeout: cfg.Web.ReadTimeout,
		IdleTimeout: cfg.Web.IdleTimeout,
		ErrorLog:    zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "api router started", "host", api.Addr)
		serverErrors <- api.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case err := <-pipelineErrors:
		return fmt.Errorf("pipeline error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Stop the pipeline tasks. The applier finishes its current event
		// to a consistent state before exiting.
		log.Infow("shutdown", "status", "stopping pipeline tasks")
		cancel()
		wg.Wait()

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		hub.Shutdown()

		// Give outstanding requests a deadline for completion.
		ctx, cancelAPI := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelAPI()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown API started")
		if err := api.Shutdown(ctx); err != nil {
			api.Close()
			return fmt.Errorf("could not stop api service gracefully: %w", err)
		}
	}

	return nil
}
