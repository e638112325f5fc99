package main

import (
	"log"
	"net/http"

	"ecosim/apps/server/internal/api"
	"ecosim/apps/server/internal/archive"
	"ecosim/apps/server/internal/auth"
	"ecosim/apps/server/internal/config"
	"ecosim/apps/server/internal/gateway"
	"ecosim/apps/server/internal/narrative"
	"ecosim/apps/server/internal/registry"
	"ecosim/apps/server/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Server] Failed to load config: %v", err)
	}

	authService, authMode, err := auth.NewService(cfg.AuthMode)
	if err != nil {
		log.Fatalf("[Server] Failed to init auth service: %v", err)
	}
	defer authService.Close()

	archiveService, archiveMode, err := archive.NewServiceFromEnv(cfg.ArchiveMode)
	if err != nil {
		log.Fatalf("[Server] Failed to init archive service: %v", err)
	}
	defer archiveService.Close()

	gw := gateway.New()

	// The pipeline delivers enrichment back through the registry; reg is
	// assigned before any game can exist, so the closure never races.
	var reg *registry.Registry
	applyEnrichment := func(gameID string, data session.EnrichmentData) {
		if reg == nil {
			return
		}
		if s, err := reg.Get(gameID); err == nil {
			s.ApplyEnrichment(data)
		}
	}

	pipelineCfg := narrative.PipelineConfig{
		Workers:    cfg.EnrichWorkers,
		JobTimeout: cfg.EnrichJobTimeout,
		MaxRetries: cfg.EnrichMaxRetries,
	}
	var enricher session.Enricher
	var pipeline *narrative.Pipeline
	switch cfg.NarrativeMode {
	case "off":
	case "gemini":
		gemini, err := narrative.NewGeminiClient(narrative.GeminiOptions{
			APIKey:  cfg.GeminiAPIKey,
			Model:   cfg.GeminiModel,
			BaseURL: cfg.GeminiBaseURL,
		})
		if err != nil {
			log.Fatalf("[Server] Failed to init gemini client: %v", err)
		}
		pipeline = narrative.NewPipeline(gemini, narrative.NewStatic(), applyEnrichment, pipelineCfg)
	default:
		pipeline = narrative.NewPipeline(narrative.NewStatic(), nil, applyEnrichment, pipelineCfg)
	}
	if pipeline != nil {
		enricher = pipeline
		defer pipeline.Close()
	}

	mode := session.PolicyBarrier
	if cfg.ResolutionMode == "immediate" {
		mode = session.PolicyImmediate
	}
	reg = registry.New(registry.Options{
		DefaultConfig: session.Config{
			Mode:            mode,
			QuarterDeadline: cfg.QuarterDeadline,
			MaxQuarters:     cfg.MaxQuarters,
		},
		Broadcast: gw.BroadcastToGame,
		Enricher:  enricher,
		Archive:   archiveService,
	})
	defer reg.Close()
	reg.StartReaper(cfg.ReapInterval, cfg.SessionIdleTTL)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	auth.NewHTTPHandler(authService).RegisterRoutes(mux)
	api.NewHandler(reg, archiveService, authService).RegisterRoutes(mux)

	log.Printf("[Server] Auth mode: %s", authMode)
	log.Printf("[Server] Archive mode: %s", archiveMode)
	log.Printf("[Server] Narrative mode: %s", cfg.NarrativeMode)
	log.Printf("[Server] Resolution mode: %s (deadline=%s, maxQuarters=%d)",
		cfg.ResolutionMode, cfg.QuarterDeadline, cfg.MaxQuarters)
	log.Printf("[Server] Listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
		log.Fatalf("[Server] Failed to start: %v", err)
	}
}
