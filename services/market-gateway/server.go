package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"asamart/registry"
)

// Server exposes the read-only listing API. Signing and settlement stay on
// the wallet holder's side; the gateway only reports registry state.
type Server struct {
	store   registry.Store
	network string
	log     *slog.Logger
	limiter *rate.Limiter
	router  chi.Router
}

// NewServer builds the HTTP surface over the listing registry.
func NewServer(store registry.Store, network string, log *slog.Logger) *Server {
	s := &Server{
		store:   store,
		network: network,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(time.Second/50), 100),
	}
	r := chi.NewRouter()
	r.Use(s.throttle)
	r.Get("/healthz", s.handleHealth)
	r.Get("/listings", s.handleListings)
	r.Get("/listings/{id}", s.handleListing)
	r.Handle("/metrics", promhttp.Handler())
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "network": s.network})
}

// listingView is the wire shape of a listing. The escrow program travels
// base64-encoded.
type listingView struct {
	ID            string    `json:"id"`
	Seller        string    `json:"seller"`
	AssetIndex    uint64    `json:"assetIndex"`
	Price         uint64    `json:"price"`
	EscrowAddress string    `json:"escrowAddress"`
	EscrowProgram string    `json:"escrowProgram"`
	Status        string    `json:"status"`
	Network       string    `json:"network"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func viewOf(l registry.Listing) listingView {
	return listingView{
		ID:            l.ID,
		Seller:        l.Seller,
		AssetIndex:    l.AssetIndex,
		Price:         l.Price,
		EscrowAddress: l.EscrowAddress,
		EscrowProgram: base64.StdEncoding.EncodeToString(l.EscrowProgram),
		Status:        string(l.Status),
		Network:       l.Network,
		CreatedAt:     l.CreatedAt,
		UpdatedAt:     l.UpdatedAt,
	}
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	seller := r.URL.Query().Get("seller")
	rawStatus := r.URL.Query().Get("status")

	var status registry.Status
	if rawStatus != "" {
		parsed, err := registry.ParseStatus(rawStatus)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		status = parsed
	}

	var (
		listings []registry.Listing
		err      error
	)
	switch {
	case seller != "":
		listings, err = s.store.ListBySeller(ctx, seller, s.network)
		if err == nil && status != "" {
			filtered := listings[:0]
			for _, l := range listings {
				if l.Status == status {
					filtered = append(filtered, l)
				}
			}
			listings = filtered
		}
	case status != "":
		listings, err = s.store.ListByStatus(ctx, status, s.network)
	default:
		listings, err = s.store.ListByStatus(ctx, registry.StatusActive, s.network)
	}
	if err != nil {
		s.log.Error("list listings", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	views := make([]listingView, 0, len(listings))
	for _, l := range listings {
		views = append(views, viewOf(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": views})
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	listing, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "listing not found"})
			return
		}
		s.log.Error("get listing", "listing", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(listing))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
