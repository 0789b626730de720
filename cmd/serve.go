package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/pipeline"
	"github.com/sells-group/pricewatch/internal/siterules"
	"github.com/sells-group/pricewatch/internal/store"
	"github.com/sells-group/pricewatch/internal/validate"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the extraction API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if checker := buildMonitor(env, cfg.Monitoring); checker != nil {
			go checker.Run(ctx)
		}

		api := &apiServer{
			ctx:           ctx,
			store:         env.Store,
			runner:        env.Pipeline,
			validator:     env.Validator,
			merchantRange: cfg.Validation.MerchantRange,
			metrics:       env.Metrics.Handler(),
			rateLimit:     cfg.Server.RateLimit,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		api.wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// extractRunner is the pipeline surface the API needs.
type extractRunner interface {
	Run(ctx context.Context, machineID string, opts pipeline.RunOptions) (*model.ExtractionResult, error)
	Extract(ctx context.Context, m model.MachineRecord, opts pipeline.RunOptions) (*model.ExtractionResult, error)
}

// overrideValidator checks a manually entered price.
type overrideValidator interface {
	ValidateText(ctx context.Context, raw string, in validate.Input) model.ValidationVerdict
}

// apiServer holds the HTTP handlers' collaborators. runner and validator
// may be nil, in which case their endpoints answer 503.
type apiServer struct {
	ctx           context.Context
	store         store.Store
	runner        extractRunner
	validator     overrideValidator
	merchantRange func(domain string) *siterules.PriceRange
	metrics       http.Handler
	rateLimit     float64

	inflight sync.WaitGroup
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONStatus(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		if s.rateLimit > 0 {
			r.Use(rateLimiter(s.rateLimit))
		}
		r.Post("/extract", s.handleExtract)
		r.Post("/machines/{id}/extract", s.handleMachineExtract)
		r.Get("/machines/{id}/history", s.handleHistory)
		r.Get("/review", s.handleReviewQueue)
		r.Post("/review/{machineID}/validate", s.handleValidateOverride)
	})
	return r
}

// rateLimiter limits requests per client IP.
func rateLimiter(perSecond float64) func(http.Handler) http.Handler {
	lmt := tollbooth.NewLimiter(perSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	lmt.SetIPLookups([]string{"RemoteAddr"})
	lmt.SetMessageContentType("application/json; charset=utf-8")
	lmt.SetMessage(`{"error":"rate limit exceeded"}`)
	return func(next http.Handler) http.Handler {
		return tollbooth.LimitHandler(lmt, next)
	}
}

// wait blocks until async extractions finish.
func (s *apiServer) wait() { s.inflight.Wait() }

type extractRequest struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Variant  string `json:"variant"`
	Previous string `json:"previous"`
	Currency string `json:"currency"`
	DryRun   bool   `json:"dry_run"`
}

// handleExtract runs an ad-hoc extraction synchronously.
func (s *apiServer) handleExtract(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "extraction unavailable")
		return
	}
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	m, err := adhocMachine(req.URL, req.Name, req.Variant, req.Previous, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.DryRun {
		if err := s.store.UpsertMachine(r.Context(), m); err != nil {
			zap.L().Error("register machine failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "could not register machine")
			return
		}
	}

	res, err := s.runner.Extract(r.Context(), m, pipeline.RunOptions{DryRun: req.DryRun})
	if err != nil {
		if errors.Is(err, pipeline.ErrCancelled) {
			writeError(w, http.StatusRequestTimeout, "extraction cancelled")
			return
		}
		zap.L().Error("extraction failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "extraction failed")
		return
	}
	writeJSONStatus(w, http.StatusOK, res)
}

// handleMachineExtract queues an extraction for a stored machine.
func (s *apiServer) handleMachineExtract(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "extraction unavailable")
		return
	}
	if _, err := s.store.GetMachine(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "machine not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		res, err := s.runner.Run(s.ctx, id, pipeline.RunOptions{})
		if err != nil {
			zap.L().Error("async extraction failed", zap.String("machine_id", id), zap.Error(err))
			return
		}
		zap.L().Info("async extraction complete",
			zap.String("machine_id", id),
			zap.String("status", string(res.Status)),
		)
	}()

	writeJSONStatus(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"machine_id": id,
	})
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter := store.HistoryFilter{
		MachineID: chi.URLParam(r, "id"),
		Status:    model.HistoryStatus(r.URL.Query().Get("status")),
		Limit:     queryInt(r, "limit", 50),
	}
	if r.URL.Query().Has("variant") {
		v := r.URL.Query().Get("variant")
		filter.VariantAttribute = &v
	}
	entries, err := s.store.ListPriceHistory(r.Context(), filter)
	if err != nil {
		zap.L().Error("list history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list history failed")
		return
	}
	if entries == nil {
		entries = []model.PriceHistoryEntry{}
	}
	writeJSONStatus(w, http.StatusOK, entries)
}

func (s *apiServer) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListReviewQueue(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		zap.L().Error("list review queue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list review queue failed")
		return
	}
	if items == nil {
		items = []model.ReviewItem{}
	}
	writeJSONStatus(w, http.StatusOK, items)
}

type overrideRequest struct {
	Price   string `json:"price"`
	Variant string `json:"variant"`
}

// handleValidateOverride runs a reviewer's proposed price through the
// validator. Nothing is written.
func (s *apiServer) handleValidateOverride(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil {
		writeError(w, http.StatusServiceUnavailable, "validation unavailable")
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Price == "" {
		writeError(w, http.StatusBadRequest, "price is required")
		return
	}

	ctx := r.Context()
	m, err := s.store.GetMachine(ctx, chi.URLParam(r, "machineID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "machine not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	variant := req.Variant
	if variant == "" {
		variant = m.VariantAttribute
	}
	prev, err := s.store.GetPreviousPrice(ctx, m.ID, variant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "previous price lookup failed")
		return
	}

	in := validate.Input{
		Candidate: model.PriceCandidate{
			Currency: m.Currency,
			Method:   "manual_override",
			RawText:  req.Price,
		},
		MachineCurrency: m.Currency,
		MachineName:     m.Name,
		Category:        m.Category,
	}
	if prev != nil {
		p := prev.Price
		in.PreviousPrice = &p
	}
	if s.merchantRange != nil {
		in.MerchantRange = s.merchantRange(siterules.DomainOf(m.ProductURL))
	}

	writeJSONStatus(w, http.StatusOK, s.validator.ValidateText(ctx, req.Price, in))
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}
