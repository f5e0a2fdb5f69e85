package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/preers/preers/internal/data"
	"github.com/preers/preers/pkg/p2pnet"
)

// maxRequestBodySize limits JSON request bodies.
const maxRequestBodySize = 1 << 20 // 1 MB

// registerRoutes sets up all admin routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /network_info", s.handleNetworkInfo)

	mux.HandleFunc("GET /rendezvous", s.handleRendezvousList)
	mux.HandleFunc("POST /rendezvous", s.handleRendezvousAdd)
	mux.HandleFunc("DELETE /rendezvous", s.handleRendezvousDel)

	mux.HandleFunc("GET /provide_service", s.handleProvideList)
	mux.HandleFunc("POST /provide_service", s.handleProvideAdd)
	mux.HandleFunc("DELETE /provide_service", s.handleProvideDel)

	mux.HandleFunc("GET /use_service", s.handleUseList)
	mux.HandleFunc("POST /use_service", s.handleUseAdd)
	mux.HandleFunc("DELETE /use_service", s.handleUseDel)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// respondError maps every failure to a generic 500. The admin client is
// trusted and local-only; the detail goes to the log instead.
func respondError(w http.ResponseWriter, op string, err error) {
	slog.Error("admin request failed", "op", op, "error", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleNetworkInfo(w http.ResponseWriter, r *http.Request) {
	reply := make(chan data.NetworkInfo, 1)
	if err := s.network.Post(r.Context(), p2pnet.GetNetworkInfo{Reply: reply}); err != nil {
		respondError(w, "network_info", err)
		return
	}
	select {
	case info := <-reply:
		respondJSON(w, info)
	case <-r.Context().Done():
		respondError(w, "network_info", r.Context().Err())
	}
}

func (s *Server) handleRendezvousList(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.Rendezvous()
	if err != nil {
		respondError(w, "list rendezvous", err)
		return
	}
	if list == nil {
		list = []data.Rendezvous{}
	}
	respondJSON(w, list)
}

func (s *Server) handleRendezvousAdd(w http.ResponseWriter, r *http.Request) {
	var rec data.Rendezvous
	if err := decodeBody(w, r, &rec); err != nil {
		respondError(w, "add rendezvous", err)
		return
	}
	addr, err := ma.NewMultiaddr(rec.Multiaddr)
	if err != nil {
		respondError(w, "add rendezvous", err)
		return
	}

	id, err := s.store.AddRendezvous(rec.Multiaddr)
	if err != nil {
		respondError(w, "add rendezvous", err)
		return
	}
	if err := s.network.Post(r.Context(), p2pnet.AddRendezvous{Addr: addr}); err != nil {
		respondError(w, "add rendezvous", err)
		return
	}

	rec.ID = id
	respondJSON(w, rec)
}

func (s *Server) handleRendezvousDel(w http.ResponseWriter, r *http.Request) {
	var rec data.Rendezvous
	if err := decodeBody(w, r, &rec); err != nil {
		respondError(w, "delete rendezvous", err)
		return
	}
	// The rendezvous ticker is not cancelled here; it dies with the
	// controller.
	if err := s.store.DeleteRendezvous(rec.ID); err != nil {
		respondError(w, "delete rendezvous", err)
		return
	}
	respondJSON(w, struct{}{})
}

func (s *Server) handleProvideList(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ProvidedServices()
	if err != nil {
		respondError(w, "list provided services", err)
		return
	}
	if list == nil {
		list = []data.ProvideService{}
	}
	respondJSON(w, list)
}

func (s *Server) handleProvideAdd(w http.ResponseWriter, r *http.Request) {
	var rec data.ProvideService
	if err := decodeBody(w, r, &rec); err != nil {
		respondError(w, "add provided service", err)
		return
	}

	id, err := s.store.AddProvidedService(rec)
	if err != nil {
		respondError(w, "add provided service", err)
		return
	}
	if err := s.network.Post(r.Context(), p2pnet.ProvideService{Service: rec}); err != nil {
		respondError(w, "add provided service", err)
		return
	}

	rec.ID = id
	respondJSON(w, rec)
}

func (s *Server) handleProvideDel(w http.ResponseWriter, r *http.Request) {
	var rec data.ProvideService
	if err := decodeBody(w, r, &rec); err != nil {
		respondError(w, "delete provided service", err)
		return
	}
	if err := s.store.DeleteProvidedService(rec.ID); err != nil {
		respondError(w, "delete provided service", err)
		return
	}
	respondJSON(w, struct{}{})
}

func (s *Server) handleUseList(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.UsedServices()
	if err != nil {
		respondError(w, "list used services", err)
		return
	}
	if list == nil {
		list = []data.UseService{}
	}
	respondJSON(w, list)
}

func (s *Server) handleUseAdd(w http.ResponseWriter, r *http.Request) {
	var rec data.UseService
	if err := decodeBody(w, r, &rec); err != nil {
		respondError(w, "add used service", err)
		return
	}

	id, err := s.store.AddUsedService(rec)
	if err != nil {
		respondError(w, "add used service", err)
		return
	}
	if err := s.network.Post(r.Context(), p2pnet.UseService{Service: rec}); err != nil {
		respondError(w, "add used service", err)
		return
	}

	rec.ID = id
	respondJSON(w, rec)
}

func (s *Server) handleUseDel(w http.ResponseWriter, r *http.Request) {
	var rec data.UseService
	if err := decodeBody(w, r, &rec); err != nil {
		respondError(w, "delete used service", err)
		return
	}
	if err := s.store.DeleteUsedService(rec.ID); err != nil {
		respondError(w, "delete used service", err)
		return
	}
	respondJSON(w, struct{}{})
}
