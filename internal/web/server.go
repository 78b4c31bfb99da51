package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Manager is the run control the API drives.
type Manager interface {
	Start(ctx context.Context, jobID int64) error
	Stop(jobID int64) error
	Status(jobID int64) (scheduler.Status, bool)
}

type Server struct {
	Manager Manager
	// Catalog answers status for jobs with no run in this process. Optional.
	Catalog jobs.Catalog
	// Auth wraps the /api routes. Optional.
	Auth func(http.Handler) http.Handler
	// Callbacks is mounted at /callbacks when set.
	Callbacks http.Handler
	Logger    *logrus.Logger
}

func (s *Server) log() *logrus.Logger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Route("/api/jobs", func(r chi.Router) {
		if s.Auth != nil {
			r.Use(s.Auth)
		}
		if s.Catalog != nil {
			r.Get("/", s.listJobs)
		}
		r.Post("/{id}/start", s.startJob)
		r.Post("/{id}/stop", s.stopJob)
		r.Get("/{id}/status", s.jobStatus)
	})

	if s.Callbacks != nil {
		r.Mount("/callbacks", s.Callbacks)
	}
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log().WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"elapsed":    time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "bad job id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	err := s.Manager.Start(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, jobs.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
		return
	default:
		s.log().WithError(err).WithField("job", id).Warn("start failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	st, _ := s.Manager.Status(id)
	writeJSON(w, http.StatusAccepted, statusView(st))
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := s.Manager.Stop(id); err != nil {
		if errors.Is(err, scheduler.ErrNotRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	st, _ := s.Manager.Status(id)
	writeJSON(w, http.StatusOK, statusView(st))
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if st, ok := s.Manager.Status(id); ok {
		writeJSON(w, http.StatusOK, statusView(st))
		return
	}
	if s.Catalog != nil {
		list, err := s.Catalog.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, j := range list {
			if j.ID == id {
				writeJSON(w, http.StatusOK, jobStatusView{JobID: j.ID, State: j.State, Health: j.Health})
				return
			}
		}
	}
	http.Error(w, "job not found", http.StatusNotFound)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.Catalog.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]jobStatusView, 0, len(list))
	for _, j := range list {
		v := jobStatusView{JobID: j.ID, Name: j.Name, State: j.State, Health: j.Health}
		if st, ok := s.Manager.Status(j.ID); ok {
			v.State, v.Health, v.RunID = st.State, st.Health, st.RunID
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

type jobStatusView struct {
	JobID    int64            `json:"job_id"`
	Name     string           `json:"name,omitempty"`
	RunID    string           `json:"run_id,omitempty"`
	State    jobs.State       `json:"state"`
	Health   jobs.HealthStats `json:"health"`
	IPBlocks int              `json:"ip_blocks,omitempty"`
}

func statusView(st scheduler.Status) jobStatusView {
	return jobStatusView{
		JobID:    st.JobID,
		RunID:    st.RunID,
		State:    st.State,
		Health:   st.Health,
		IPBlocks: st.IPBlocks,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves h on addr until ctx is done, then shuts down gracefully.
func Start(ctx context.Context, addr string, h http.Handler, log *logrus.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.WithField("addr", addr).Info("listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
