package remote

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

const maxCallbackSize = 1 << 20

// Handler is the control-plane side of the callback channel. It verifies
// each sealed message and applies it to the local store.
type Handler struct {
	store jobs.Store
	codec *Codec
	log   *logrus.Logger
}

func NewHandler(store jobs.Store, codec *Codec, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{store: store, codec: codec, log: log}
}

// Routes returns the callback routes, to be mounted under a prefix.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/config", h.getConfig)
	r.Post("/{id}/logs", h.postLog)
	r.Post("/{id}/health", h.postHealth)
	r.Get("/{id}/facilities", h.getFacilities)
	r.Post("/{id}/facilities", h.postFacilities)
	r.Post("/{id}/bookings", h.postBooking)
	return r
}

func jobIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// open authenticates a POST body into v.
func (h *Handler) open(w http.ResponseWriter, r *http.Request, v any) (int64, bool) {
	id, ok := jobIDParam(r)
	if !ok {
		http.Error(w, "bad job id", http.StatusBadRequest)
		return 0, false
	}
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackSize))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return 0, false
	}
	if err := h.codec.Open(id, strings.TrimSpace(string(b)), v); err != nil {
		h.log.WithField("job", id).WithError(err).Warn("callback: rejected message")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return 0, false
	}
	return id, true
}

// authorize checks the sealed ticket of a GET.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := jobIDParam(r)
	if !ok {
		http.Error(w, "bad job id", http.StatusBadRequest)
		return 0, false
	}
	auth := r.Header.Get("Authorization")
	var t ticket
	if !strings.HasPrefix(auth, authScheme) || h.codec.Open(id, strings.TrimPrefix(auth, authScheme), &t) != nil || t.JobID != id {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return 0, false
	}
	return id, true
}

func (h *Handler) reply(w http.ResponseWriter, id int64, v any) {
	sealed, err := h.codec.Seal(id, v)
	if err != nil {
		http.Error(w, "seal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, sealed)
}

func (h *Handler) storeError(w http.ResponseWriter, id int64, op string, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.log.WithField("job", id).WithError(err).Errorf("callback: %s failed", op)
	http.Error(w, "store error", http.StatusInternalServerError)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorize(w, r)
	if !ok {
		return
	}
	c, err := h.store.LoadJobConfig(r.Context(), id)
	if err != nil {
		h.storeError(w, id, "load config", err)
		return
	}
	h.reply(w, id, c)
}

func (h *Handler) getFacilities(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorize(w, r)
	if !ok {
		return
	}
	list, err := h.store.CachedFacilities(r.Context(), id)
	if err != nil {
		h.storeError(w, id, "read facilities", err)
		return
	}
	if list == nil {
		list = []jobs.FacilityLocation{}
	}
	h.reply(w, id, list)
}

func (h *Handler) postLog(w http.ResponseWriter, r *http.Request) {
	var l logLine
	id, ok := h.open(w, r, &l)
	if !ok {
		return
	}
	if err := h.store.AppendLog(r.Context(), id, l.Level, l.Message); err != nil {
		h.storeError(w, id, "append log", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) postHealth(w http.ResponseWriter, r *http.Request) {
	var u jobs.StatusUpdate
	id, ok := h.open(w, r, &u)
	if !ok {
		return
	}
	if err := h.store.UpdateHealthAndStatus(r.Context(), id, u); err != nil {
		h.storeError(w, id, "update status", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) postFacilities(w http.ResponseWriter, r *http.Request) {
	var list []jobs.FacilityLocation
	id, ok := h.open(w, r, &list)
	if !ok {
		return
	}
	if err := h.store.CacheFacilities(r.Context(), id, list); err != nil {
		h.storeError(w, id, "cache facilities", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) postBooking(w http.ResponseWriter, r *http.Request) {
	var b jobs.Booking
	id, ok := h.open(w, r, &b)
	if !ok {
		return
	}
	if err := h.store.RecordBooking(r.Context(), id, b); err != nil {
		h.storeError(w, id, "record booking", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
