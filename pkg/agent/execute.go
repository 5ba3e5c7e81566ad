package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog/log"

	"github.com/keel-cm/keel/pkg/target"
)

func (a *Agent) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		serveError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req target.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		serveError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Command == "" {
		serveError(w, http.StatusBadRequest, "Command cannot be empty")
		return
	}

	parts, err := shlex.Split(req.Command)
	if err != nil || len(parts) == 0 {
		serveError(w, http.StatusBadRequest, "Invalid command syntax")
		return
	}

	// Command lines may carry credentials. Only the program name is logged.
	scopedLog := log.With().
		Str("handler", "handleExecute").
		Str("program", parts[0]).
		Logger()

	ctx := r.Context()
	timeout := a.options.ExecTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := a.local.Execute(ctx, req.Command)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			serveError(w, http.StatusRequestTimeout, "Command execution timed out")
			return
		}
		scopedLog.Error().Err(err).Msg("Command execution failed")
		serveError(w, http.StatusInternalServerError, "Command execution failed")
		return
	}

	scopedLog.Debug().
		Int("exit_code", result.ExitCode).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Msg("Command execution completed")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(target.ExecuteResponse{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
	})
}
