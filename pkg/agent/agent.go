package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/keel-cm/keel/pkg/target"
)

func New(opts ...Option) *Agent {
	var options Options
	for _, opt := range opts {
		opt(&options)
	}

	return &Agent{options: options, local: target.NewLocal()}
}

// Agent is the keeld side of the wire protocol. It exposes command execution
// and file transfer over a small JSON API and delegates the actual work to a
// local target.
type Agent struct {
	options    Options
	local      *target.Local
	httpServer *http.Server
}

func (a *Agent) Initialize() error {
	if a.options.ListenAddr == "" {
		return fmt.Errorf("missing listen addr")
	}

	mux := http.NewServeMux()
	mux.Handle(target.HealthPath, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}))
	mux.Handle(target.ExecutePath, http.HandlerFunc(a.handleExecute))
	mux.Handle(target.FilesPath, http.HandlerFunc(a.handleFiles))

	a.httpServer = &http.Server{
		Handler:      requestLogger(mux),
		ReadTimeout:  a.options.ReadTimeout,
		IdleTimeout:  a.options.IdleTimeout,
		WriteTimeout: a.options.WriteTimeout,
	}

	return nil
}

func (a *Agent) listener() (net.Listener, error) {
	var ln net.Listener
	var err error

	if a.options.ServerTLSConfig == nil {
		ln, err = net.Listen("tcp", a.options.ListenAddr)
	} else {
		log.Info().Msg("Utilizing TLS...")
		ln, err = tls.Listen("tcp", a.options.ListenAddr, a.options.ServerTLSConfig)
	}

	return ln, err
}

func (a *Agent) Serve() error {
	ln, err := a.listener()
	if err != nil {
		return fmt.Errorf("failed to bind listener: %w", err)
	}
	defer ln.Close()

	return a.httpServer.Serve(ln)
}

func (a *Agent) Stop() error {
	stopctx, cancel := context.WithTimeout(context.Background(), a.options.GracefulTimeout)
	defer cancel()

	return a.httpServer.Shutdown(stopctx)
}

// Handler exposes the agent mux for tests.
func (a *Agent) Handler() http.Handler {
	return a.httpServer.Handler
}

func serveError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(target.ErrorResponse{Code: code, Message: msg})
}

func requestLogger(next http.Handler) http.Handler {
	accessHandler := hlog.AccessHandler(
		func(r *http.Request, status, size int, duration time.Duration) {
			log.Info().
				Str("method", r.Method).
				Str("url", r.URL.Path).
				Str("proto", r.Proto).
				Str("raddr", r.RemoteAddr).
				Str("user-agent", r.UserAgent()).
				Int("status", status).
				Int("response_size_bytes", size).
				Str("duration", duration.String()).
				Msg("Handled request")
		},
	)
	return accessHandler(next)
}
