package webhook

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SecretHeader carries the token Telegram echoes back on every webhook call
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// UpdatesPath is where Telegram posts updates
const UpdatesPath = "/telegram"

// Server receives Telegram updates and answers health checks
type Server struct {
	updates http.Handler
	secret  string
	log     *slog.Logger

	server *http.Server
}

// NewServer creates a new webhook server. updates may be nil in long-poll
// mode, then only /health is served.
func NewServer(updates http.Handler, secret string, log *slog.Logger) *Server {
	return &Server{
		updates: updates,
		secret:  secret,
		log:     log,
	}
}

// Handler returns the routing mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if s.updates != nil {
		mux.HandleFunc(UpdatesPath, s.handleUpdate)
	}
	return mux
}

// Start serves until ctx is done
func (s *Server) Start(ctx context.Context, port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.log.Info("starting webhook server", "port", port, "updates", s.updates != nil)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	return s.server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(s.secret)) != 1 {
		s.log.Warn("webhook call with bad secret", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.updates.ServeHTTP(w, r)
}
