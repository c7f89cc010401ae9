package launch

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dyluth/armlab/internal/replay"
	"github.com/dyluth/armlab/internal/runner"
)

// StatusServer serves GET /healthz with the progress of the running seed.
type StatusServer struct {
	addr   string
	server *http.Server

	mu      sync.RWMutex
	seed    int
	trainer *runner.TrainRunner
	mix     *replay.Mix
}

// NewStatusServer creates a status server for addr (e.g. ":8080").
func NewStatusServer(addr string) *StatusServer {
	return &StatusServer{addr: addr, seed: -1}
}

// Track points the server at the seed now running. A nil trainer clears it.
func (s *StatusServer) Track(seed int, trainer *runner.TrainRunner, mix *replay.Mix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seed = seed
	s.trainer = trainer
	s.mix = mix
}

// Start listens on the configured address and serves in the background.
func (s *StatusServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[Launch] Status server error: %v", err)
		}
	}()
	log.Printf("[Launch] Status server listening on %s", ln.Addr())
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler.
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthHandler)
	return mux
}

// StatusResponse is the JSON body of /healthz.
type StatusResponse struct {
	Status     string         `json:"status"`
	Seed       int            `json:"seed"`
	Training   *runner.Status `json:"training,omitempty"`
	StoreSizes []int          `json:"store_sizes,omitempty"`
}

func (s *StatusServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	resp := StatusResponse{Status: "idle", Seed: s.seed}
	if s.trainer != nil {
		st := s.trainer.Status()
		resp.Training = &st
		resp.Status = "warming_up"
		if st.Warm {
			resp.Status = "training"
		}
	}
	if s.mix != nil {
		resp.StoreSizes = s.mix.Sizes()
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
