package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/multitenantengine"
	"github.com/liamcoop/automation/rules"
)

// Config is read from the environment at startup. Either DATABASE_URL
// (multi-tenant mode, rules and audit in Postgres) or RULE_FILE
// (standalone mode, rules from a YAML file, audit in memory) must be
// set.
type Config struct {
	DatabaseURL    string        `env:"DATABASE_URL"`
	RuleFile       string        `env:"RULE_FILE"`
	Port           string        `env:"PORT" envDefault:"8080"`
	EntityAPIURL   string        `env:"ENTITY_API_URL"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
}

// standaloneTenant names the implicit tenant in rule-file mode.
const standaloneTenant = "default"

type Server struct {
	db      *sql.DB
	manager *multitenantengine.Manager

	// Set instead of manager in standalone mode.
	engine   *rules.Engine
	store    rules.RuleStore
	recorder *rules.InMemoryRecorder

	metrics *rules.Metrics
	router  *chi.Mux
}

func NewServer(cfg Config) (*Server, error) {
	handlers := rules.NewBuiltinRegistry(rules.BuiltinDeps{
		Mutator:   newEntityMutator(cfg.EntityAPIURL, cfg.WebhookTimeout),
		Notifier:  logNotifier{},
		Webhooks:  newWebhookClient(cfg.WebhookTimeout),
		Scheduler: logScheduler{},
	})

	s := &Server{metrics: rules.NewMetrics()}

	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		manager := multitenantengine.NewManager(db, handlers)
		manager.SetMetrics(s.metrics)

		logger.Info("loading tenants from database")
		if err := manager.LoadAllTenants(); err != nil {
			return nil, fmt.Errorf("failed to load tenants: %w", err)
		}
		logger.Info("tenants loaded", "count", len(manager.ListTenants()))

		s.db = db
		s.manager = manager

	case cfg.RuleFile != "":
		ruleSet, err := rules.LoadRuleSet(cfg.RuleFile)
		if err != nil {
			return nil, err
		}

		store := rules.NewInMemoryRuleStore()
		for _, rule := range ruleSet {
			if rule.ID == "" {
				rule.ID = uuid.NewString()
			}
			if err := store.Add(rule); err != nil {
				return nil, fmt.Errorf("failed to load rule %s: %w", rule.ID, err)
			}
		}

		recorder := rules.NewInMemoryRecorder()
		engine, rejected, err := rules.NewEngineFromStore(handlers, recorder, store)
		if err != nil {
			return nil, err
		}
		engine.SetMetrics(s.metrics)
		logger.Info("rule file loaded",
			"file", cfg.RuleFile, "rules", engine.RuleCount(), "rejected", len(rejected))

		s.engine = engine
		s.store = store
		s.recorder = recorder

	default:
		return nil, fmt.Errorf("either DATABASE_URL or RULE_FILE must be set")
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api/v1/tenants/{tenantId}", func(r chi.Router) {
		r.Post("/events", s.handleEvent)

		r.Post("/rules", s.handleCreateRule)
		r.Get("/rules", s.handleListRules)
		r.Post("/rules/reload", s.handleReloadRules)
		r.Get("/rules/{ruleId}", s.handleGetRule)
		r.Put("/rules/{ruleId}", s.handleUpdateRule)
		r.Delete("/rules/{ruleId}", s.handleDeleteRule)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) engineFor(tenantID string) (*rules.Engine, error) {
	if s.manager != nil {
		return s.manager.GetEngine(tenantID)
	}
	if tenantID != standaloneTenant {
		return nil, multitenantengine.ErrTenantNotFound
	}
	return s.engine, nil
}

func (s *Server) storeFor(tenantID string) (rules.RuleStore, error) {
	if s.manager != nil {
		return s.manager.GetStore(tenantID)
	}
	if tenantID != standaloneTenant {
		return nil, multitenantengine.ErrTenantNotFound
	}
	return s.store, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	status := map[string]any{"status": "healthy"}
	if s.manager != nil {
		status["tenantsLoaded"] = len(s.manager.ListTenants())
	} else {
		status["activeRules"] = s.engine.RuleCount()
	}
	respondJSON(w, http.StatusOK, status)
}

// handleEvent ingests one change event and runs the tenant's matching
// rules. Rule-internal failures are reported in the results, never as an
// HTTP error.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	engine, err := s.engineFor(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	event := req.toEvent()
	results, err := engine.Process(r.Context(), event)
	if err != nil {
		if errors.Is(err, rules.ErrShuttingDown) {
			respondError(w, http.StatusServiceUnavailable, "engine is shutting down", nil)
			return
		}
		respondError(w, http.StatusBadRequest, "invalid event", err)
		return
	}

	// Process assigns the ID when the producer omitted one.
	respondJSON(w, http.StatusOK, eventResponse{EventID: event.ID, Results: results})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	store, err := s.storeFor(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	rule := req.toRule(uuid.NewString())
	if err := store.Add(rule); err != nil {
		respondError(w, http.StatusBadRequest, "failed to add rule", err)
		return
	}

	// The new rule takes effect on the next snapshot swap; a rejected
	// rule stays in the store for the operator to fix but never
	// reaches the registry.
	engine, _ := s.engineFor(tenantID)
	rejected, err := engine.Reload()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to reload rules", err)
		return
	}
	for _, cfgErr := range rejected {
		if cfgErr.RuleID == rule.ID {
			respondError(w, http.StatusBadRequest, "rule rejected", cfgErr)
			return
		}
	}

	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	store, err := s.storeFor(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	ruleSet, err := store.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if ruleSet == nil {
		ruleSet = []*rules.Rule{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"rules": ruleSet})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	store, err := s.storeFor(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	rule, err := store.Get(ruleID)
	if err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	store, err := s.storeFor(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	rule := req.toRule(ruleID)
	if err := store.Update(rule); err != nil {
		respondError(w, http.StatusNotFound, "failed to update rule", err)
		return
	}

	engine, _ := s.engineFor(tenantID)
	if _, err := engine.Reload(); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to reload rules", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	ruleID := chi.URLParam(r, "ruleId")

	store, err := s.storeFor(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	if err := store.Delete(ruleID); err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	engine, _ := s.engineFor(tenantID)
	if _, err := engine.Reload(); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to reload rules", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	engine, err := s.engineFor(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	rejected, err := engine.Reload()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to reload rules", err)
		return
	}

	resp := reloadResponse{ActiveRules: engine.RuleCount()}
	for _, cfgErr := range rejected {
		resp.RejectedRules = append(resp.RejectedRules, cfgErr.Error())
	}
	respondJSON(w, http.StatusOK, resp)
}

// shutdownEngines drains every engine: in-flight rule executions finish
// their current action, new events get ErrShuttingDown.
func (s *Server) shutdownEngines(ctx context.Context) {
	if s.manager != nil {
		for _, tenantID := range s.manager.ListTenants() {
			engine, err := s.manager.GetEngine(tenantID)
			if err != nil {
				continue
			}
			if err := engine.Shutdown(ctx); err != nil {
				logger.Warn("engine drain incomplete", "tenant", tenantID, "error", err.Error())
			}
		}
		return
	}
	if err := s.engine.Shutdown(ctx); err != nil {
		logger.Warn("engine drain incomplete", "error", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		logger.Fatal("failed to parse configuration", "error", err.Error())
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Fatal("failed to create server", "error", err.Error())
	}
	if server.db != nil {
		defer server.db.Close()
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err.Error())
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	server.shutdownEngines(ctx)

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown error", "error", err.Error())
	}

	if err := logger.Shutdown(ctx); err != nil {
		logger.Warn("logger shutdown error", "error", err.Error())
	}

	logger.Info("server stopped")
}
