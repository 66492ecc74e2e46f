package catalog

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"ProductCatalog/pkg/kit"
)

type Server struct {
	Store Store
	Log   *zap.Logger

	// Limiter, when set, guards the mutating routes.
	Limiter *kit.IPRateLimiter
	// Mutations counts successful writes by op; optional.
	Mutations *prometheus.CounterVec
	// Now defaults to time.Now.
	Now func() time.Time
}

type listResp struct {
	Count   int       `json:"count"`
	Results []Product `json:"results"`
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", s.readyz)

	r.Route("/products", func(pr chi.Router) {
		pr.Get("/", s.list)
		pr.Get("/{id}", s.get)

		pr.Group(func(wr chi.Router) {
			if s.Limiter != nil {
				wr.Use(s.Limiter.Middleware)
			}
			wr.Post("/", s.create)
			wr.Put("/{id}", s.replace)
			wr.Patch("/{id}", s.patch)
			wr.Delete("/{id}", s.delete)
		})
	})

	return r
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
	defer cancel()

	if err := s.Store.Ping(ctx); err != nil {
		if s.Log != nil {
			s.Log.Warn("readyz failed", zap.Error(err))
		}
		kit.WriteError(w, r, http.StatusServiceUnavailable, "not ready", nil)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	f, err := ParseFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	products, err := s.Store.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if products == nil {
		products = []Product{}
	}

	kit.WriteJSON(w, http.StatusOK, listResp{Count: len(products), Results: products})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, ok, err := s.Store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, id)
		return
	}
	if !ok {
		s.writeError(w, r, ErrNotFound, id)
		return
	}
	kit.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var in ProductInput
	if err := kit.DecodeJSON(w, r, &in); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, "bad json", map[string]any{"cause": err.Error()})
		return
	}

	fields, err := in.Parse(false)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	p := NewProduct(uuid.NewString(), fields, s.now())
	if err := s.Store.Create(r.Context(), p); err != nil {
		s.writeError(w, r, err, p.ID)
		return
	}

	s.countMutation("create")
	kit.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) replace(w http.ResponseWriter, r *http.Request) { s.update(w, r, false) }

func (s *Server) patch(w http.ResponseWriter, r *http.Request) { s.update(w, r, true) }

// update loads the current record first so an unknown id is a 404 regardless
// of the body, then validates before anything is written.
func (s *Server) update(w http.ResponseWriter, r *http.Request, partial bool) {
	id := chi.URLParam(r, "id")

	cur, ok, err := s.Store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, id)
		return
	}
	if !ok {
		s.writeError(w, r, ErrNotFound, id)
		return
	}

	var in ProductInput
	if err := kit.DecodeJSON(w, r, &in); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, "bad json", map[string]any{"cause": err.Error()})
		return
	}

	fields, err := in.Parse(partial)
	if err != nil {
		s.writeError(w, r, err, id)
		return
	}

	next := cur
	fields.ApplyTo(&next)
	next.UpdatedAt = stamp(s.now())

	saved, ok, err := s.Store.Update(r.Context(), next)
	if err != nil {
		s.writeError(w, r, err, id)
		return
	}
	if !ok {
		s.writeError(w, r, ErrNotFound, id)
		return
	}

	if partial {
		s.countMutation("patch")
	} else {
		s.countMutation("update")
	}
	kit.WriteJSON(w, http.StatusOK, saved)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := s.Store.Delete(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, id)
		return
	}
	if !ok {
		s.writeError(w, r, ErrNotFound, id)
		return
	}

	s.countMutation("delete")
	kit.WriteNoContent(w)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, id string) {
	var verr *ValidationError

	switch {
	case errors.As(err, &verr):
		kit.WriteError(w, r, http.StatusBadRequest, "validation failed", verr.Fields)
	case errors.Is(err, ErrNotFound):
		kit.WriteError(w, r, http.StatusNotFound, "not found", map[string]any{"id": id})
	case errors.Is(err, ErrConflict):
		kit.WriteError(w, r, http.StatusConflict, "conflict", map[string]any{"id": id})
	case isTimeoutErr(err):
		if s.Log != nil {
			s.Log.Warn("store timeout", zap.Error(err), zap.String("product_id", id))
		}
		kit.WriteError(w, r, http.StatusGatewayTimeout, "timeout", nil)
	default:
		if s.Log != nil {
			s.Log.Error("store failed", zap.Error(err), zap.String("product_id", id))
		}
		kit.WriteError(w, r, http.StatusInternalServerError, "server error", nil)
	}
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) countMutation(op string) {
	if s.Mutations != nil {
		s.Mutations.WithLabelValues(op).Inc()
	}
}

func isTimeoutErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
