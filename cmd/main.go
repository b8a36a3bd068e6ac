package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cliniscribe/notegen-backend/internal/app"
	"github.com/cliniscribe/notegen-backend/internal/extraction"
	"github.com/cliniscribe/notegen-backend/internal/handlers"
	"github.com/cliniscribe/notegen-backend/internal/ontology"
	"github.com/cliniscribe/notegen-backend/internal/platform/logger"
	"github.com/cliniscribe/notegen-backend/internal/platform/neo4jdb"
	"github.com/cliniscribe/notegen-backend/internal/platform/openai"
	"github.com/cliniscribe/notegen-backend/internal/platform/qdrant"
	"github.com/cliniscribe/notegen-backend/internal/preferences"
	"github.com/cliniscribe/notegen-backend/internal/server"
	"github.com/cliniscribe/notegen-backend/internal/terms"
	"github.com/cliniscribe/notegen-backend/internal/vectorindex"
)

func main() {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Error("Startup failed", "error", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	cfg, err := app.Load(log)
	if err != nil {
		return err
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Platform clients
	llm, err := openai.NewClient(log, cfg.OpenAI)
	if err != nil {
		return err
	}
	store, err := qdrant.NewStore(log, cfg.Qdrant)
	if err != nil {
		return err
	}
	index, err := vectorindex.New(log, store, llm)
	if err != nil {
		return err
	}

	neo, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		return err
	}
	var resolver ontology.Resolver
	if neo == nil {
		log.Warn("SNOMED graph not configured; ontology resolution disabled")
		resolver = ontology.NewDisabledResolver(log)
	} else {
		defer func() {
			_ = neo.Close(context.Background())
		}()
		resolver, err = ontology.NewSNOMEDResolver(log, neo, cfg.MaxConceptsPerTerm)
		if err != nil {
			return err
		}
	}

	extractor, err := terms.NewExtractor(log, llm, cfg.TermWindowTokens, cfg.TermStrideTokens)
	if err != nil {
		return err
	}

	prefs, err := preferences.NewFromEnv(log)
	if err != nil {
		return err
	}
	defer func() {
		_ = prefs.Close()
	}()

	// Publication sink
	var sink extraction.Sink
	if cfg.CallbackURL != "" {
		sink, err = extraction.NewHTTPSink(log, cfg.CallbackURL, cfg.CallbackTimeout, cfg.CallbackMaxRetries)
		if err != nil {
			return err
		}
	} else {
		log.Warn("No SECTION_CALLBACK_URL configured; publishing to in-process channel")
		chSink := extraction.NewChannelSink(0)
		go drainSections(log, chSink)
		sink = chSink
	}

	registry := extraction.NewRegistry()
	orch, err := extraction.NewOrchestrator(rootCtx, extraction.Deps{
		Log:      log,
		Index:    index,
		Resolver: resolver,
		Terms:    extractor,
		Prefs:    prefs,
		LLM:      llm,
		Sink:     sink,
		Registry: registry,
	}, cfg.Extraction)
	if err != nil {
		return err
	}

	router := server.NewRouter(server.RouterConfig{
		Mode:               cfg.LogMode,
		AllowedOrigins:     cfg.AllowedOrigins,
		ExtractionHandler:  handlers.NewExtractionHandler(log, orch, registry),
		PreferencesHandler: handlers.NewPreferencesHandler(log, prefs),
		HealthHandler:      handlers.NewHealthHandler(log, index, resolver, llm),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", srv.Addr, "model", llm.Model())
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-rootCtx.Done():
		log.Info("Shutdown signal received, draining")
	}

	// Root context cancellation moves in-flight jobs to Cancelled; the HTTP
	// server drains within the grace window.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server drain incomplete", "error", err)
	}
	log.Info("Shutdown complete")
	return nil
}

// drainSections logs published sections when no callback is configured.
func drainSections(log *logger.Logger, sink *extraction.ChannelSink) {
	for p := range sink.C {
		log.Info("Section result",
			"job_id", p.JobID,
			"section_id", p.Payload.SectionID,
			"status", string(p.Payload.ValidationStatus),
			"confidence", p.Payload.ConfidenceScore,
		)
	}
}
