// Package server serves the gateway's read-only status API and distributes
// the CA certificate to clients.
package server

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ikev2-provision/internal/pki"
	"ikev2-provision/internal/state"
	"ikev2-provision/internal/version"
)

// History is the subset of state.Store the server reads.
type History interface {
	LastRun(ctx context.Context) (*state.RunRecord, error)
	LatestCertificate(ctx context.Context, role string) (*state.CertificateRecord, error)
}

// Authenticator guards every non-public route.
type Authenticator interface {
	Middleware(next http.Handler) http.Handler
}

// Paths locate the live certificates.
type Paths struct {
	CACert     string
	ServerCert string
}

// StatusPayload is returned by GET /api/status.
type StatusPayload struct {
	Version      version.Info               `json:"version"`
	LastRun      *state.RunRecord           `json:"lastRun"`
	CA           *pki.CertInfo              `json:"ca,omitempty"`
	Server       *pki.CertInfo              `json:"server,omitempty"`
	RecordedSAN  string                     `json:"recordedSan,omitempty"`
	Certificates []*state.CertificateRecord `json:"certificates,omitempty"`
	Errors       map[string]string          `json:"errors,omitempty"`
}

// Server handles HTTP requests.
type Server struct {
	history History
	auth    Authenticator
	paths   Paths
	log     *zap.SugaredLogger
}

// New creates an HTTP server.
func New(history History, auth Authenticator, paths Paths, log *zap.SugaredLogger) (*Server, error) {
	if history == nil {
		return nil, errors.New("history store is required")
	}
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{history: history, auth: auth, paths: paths, log: log}, nil
}

// Router constructs the http.Handler with all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  zap.NewStdLog(s.log.Desugar()),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(s.auth.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ca.pem", s.handleCACert)
	r.Route("/api", func(api chi.Router) {
		api.Get("/status", s.handleStatus)
	})
	return r
}

// HTTPServer wraps the router with the timeouts used in production.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCACert(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.paths.CACert)
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "certificate authority has not been created")
		return
	}
	if err != nil {
		s.log.Errorw("read ca certificate", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read certificate")
		return
	}
	// Only the certificate is served; refuse anything that looks like a key.
	if _, err := pki.Inspect(s.paths.CACert); err != nil {
		s.log.Errorw("ca certificate unreadable", "error", err)
		writeError(w, http.StatusInternalServerError, "certificate is invalid")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="ca-cert.pem"`)
	_, _ = w.Write(data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payload := StatusPayload{Version: version.Current(), Errors: map[string]string{}}

	run, err := s.history.LastRun(ctx)
	if err != nil {
		s.log.Errorw("load last run", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	payload.LastRun = run

	for _, role := range []string{state.RoleCA, state.RoleServer} {
		rec, err := s.history.LatestCertificate(ctx, role)
		if err != nil {
			payload.Errors[role+"_record"] = err.Error()
			continue
		}
		if rec != nil {
			payload.Certificates = append(payload.Certificates, rec)
			if role == state.RoleServer {
				payload.RecordedSAN = rec.SAN
			}
		}
	}

	if info, err := pki.Inspect(s.paths.CACert); err == nil {
		payload.CA = &info
	} else {
		payload.Errors["ca"] = err.Error()
	}
	if info, err := pki.Inspect(s.paths.ServerCert); err == nil {
		payload.Server = &info
	} else {
		payload.Errors["server"] = err.Error()
	}
	if len(payload.Errors) == 0 {
		payload.Errors = nil
	}
	writeJSON(w, http.StatusOK, payload)
}
