package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/gazetteer/internal/lookup"
	"github.com/sells-group/gazetteer/internal/place"
	"github.com/sells-group/gazetteer/internal/reconcile"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lookup and ingestion API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Index.Build(ctx); err != nil {
			return err
		}

		maintainer := lookup.NewMaintainer(env.Index,
			time.Duration(cfg.Index.RebuildIntervalSecs)*time.Second,
			time.Duration(cfg.Index.RebuildMinGapSecs)*time.Second)
		go maintainer.Run(ctx)

		api := &apiServer{env: env, maintainer: maintainer}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.routes(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

type apiServer struct {
	env        *env
	maintainer *lookup.Maintainer
}

func (a *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/stats", a.handleStats)
	r.Post("/submit", a.handleSubmit)

	r.Route("/lookup", func(r chi.Router) {
		r.Get("/best", a.handleLookupBest)
		r.Get("/all", a.handleLookupAll)
		r.Get("/normalized", a.handleLookupNormalized)
		r.Get("/slug", a.handleLookupSlug)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/conflicts", a.handleConflicts)
		r.Post("/conflicts/{id}/resolve", a.handleResolveConflict)
		r.Post("/pin", a.handlePin)
		r.Post("/merge", a.handleMerge)
		r.Post("/alias", a.handleAlias)
		r.Post("/reindex", a.handleReindex)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var cand place.CandidateRecord
	if err := json.NewDecoder(r.Body).Decode(&cand); err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "decode candidate"))
		return
	}

	res, err := a.env.Engine.Submit(r.Context(), &cand)
	switch {
	case err == nil:
	case errors.Is(err, reconcile.ErrInvalidCandidate):
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	case errors.Is(err, reconcile.ErrRaceLost):
		writeError(w, http.StatusConflict, err)
		return
	default:
		zap.L().Error("submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := a.env.Index.ApplyPlace(r.Context(), res.PlaceID); err != nil {
		zap.L().Warn("incremental index update failed", zap.Int64("place_id", res.PlaceID), zap.Error(err))
		a.maintainer.Notify()
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *apiServer) handleLookupBest(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if text == "" {
		writeError(w, http.StatusBadRequest, eris.New("text query parameter is required"))
		return
	}
	p := a.env.Index.FindBest(text, r.URL.Query().Get("country"))
	if p == nil {
		writeError(w, http.StatusNotFound, eris.Errorf("no place matches %q", text))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *apiServer) handleLookupAll(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if text == "" {
		writeError(w, http.StatusBadRequest, eris.New("text query parameter is required"))
		return
	}
	writeJSON(w, http.StatusOK, a.env.Index.FindAll(text, r.URL.Query().Get("country")))
}

func (a *apiServer) handleLookupNormalized(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if text == "" {
		writeError(w, http.StatusBadRequest, eris.New("text query parameter is required"))
		return
	}
	writeJSON(w, http.StatusOK, a.env.Index.LookupByNormalized(text))
}

func (a *apiServer) handleLookupSlug(w http.ResponseWriter, r *http.Request) {
	segment := r.URL.Query().Get("segment")
	if segment == "" {
		writeError(w, http.StatusBadRequest, eris.New("segment query parameter is required"))
		return
	}
	writeJSON(w, http.StatusOK, a.env.Index.LookupBySlug(segment))
}

func (a *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.env.Index.Stats())
}

// handleConflicts serves two views: with an attribute parameter it scans
// the attribute ledger for sources that disagree beyond the threshold;
// without one it lists the parked review queue.
func (a *apiServer) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if attr := r.URL.Query().Get("attribute"); attr != "" {
		threshold := 0.25
		if raw := r.URL.Query().Get("threshold"); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, eris.Wrapf(err, "parse threshold %q", raw))
				return
			}
			threshold = v
		}
		out, err := a.env.Attrs.FindConflicts(r.Context(), attr, threshold)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	includeResolved, _ := strconv.ParseBool(r.URL.Query().Get("resolved"))
	conflicts, err := a.env.Store.ListConflicts(r.Context(), r.URL.Query().Get("kind"), includeResolved)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (a *apiServer) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	if err := a.env.Store.ResolveConflict(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (a *apiServer) handlePin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlaceID   int64  `json:"place_id"`
		Attribute string `json:"attribute"`
		Source    string `json:"source"`
		Unpin     bool   `json:"unpin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "decode pin request"))
		return
	}

	var err error
	if req.Unpin {
		err = a.env.Attrs.Unpin(r.Context(), req.PlaceID, req.Attribute)
	} else {
		err = a.env.Attrs.PinPreferred(r.Context(), req.PlaceID, req.Attribute, req.Source)
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	if err := a.env.Index.ApplyPlace(r.Context(), req.PlaceID); err != nil {
		a.maintainer.Notify()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *apiServer) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeepID   int64 `json:"keep_id"`
		RemoveID int64 `json:"remove_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "decode merge request"))
		return
	}

	if err := a.env.Store.MergePlaces(r.Context(), req.KeepID, req.RemoveID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	// Migrated attribute rows lose their preferred flags in the merge
	// transaction; recompute them for the keeper.
	if err := a.env.Attrs.ReevaluatePlace(r.Context(), req.KeepID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	zap.L().Info("places merged", zap.Int64("keep", req.KeepID), zap.Int64("removed", req.RemoveID))

	// The keeper absorbed new names and attributes, the removed place must
	// vanish from lookups.
	if err := a.env.Index.ApplyPlace(r.Context(), req.RemoveID); err != nil {
		a.maintainer.Notify()
	}
	if err := a.env.Index.ApplyPlace(r.Context(), req.KeepID); err != nil {
		a.maintainer.Notify()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "merged", "place_id": req.KeepID})
}

func (a *apiServer) handleAlias(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text    string `json:"text"`
		PlaceID int64  `json:"place_id"` // zero deletes the alias
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "decode alias request"))
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, eris.New("alias text is required"))
		return
	}

	var err error
	if req.PlaceID == 0 {
		err = a.env.Store.DeleteAlias(r.Context(), req.Text)
	} else {
		err = a.env.Store.UpsertAlias(r.Context(), &place.Alias{Text: req.Text, PlaceID: req.PlaceID, CreatedBy: "api"})
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	a.env.Index.ApplyAlias(req.Text, req.PlaceID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *apiServer) handleReindex(w http.ResponseWriter, r *http.Request) {
	if err := a.env.Index.Build(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, a.env.Index.Stats())
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
