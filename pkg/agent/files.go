package agent

import (
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/keel-cm/keel/pkg/target"
)

func (a *Agent) handleFiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleGetFile(w, r)
	case http.MethodPut:
		a.handlePutFile(w, r)
	default:
		serveError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (a *Agent) handleGetFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	scopedLog := log.With().
		Str("handler", "handleGetFile").
		Str("path", path).
		Logger()

	if path == "" {
		serveError(w, http.StatusBadRequest, "File path cannot be empty")
		return
	}

	content, info, err := a.local.FetchFile(r.Context(), path)
	if err != nil {
		switch {
		case errors.Is(err, target.ErrNotFound):
			serveError(w, http.StatusNotFound, "File not found")
		case errors.Is(err, target.ErrPermission):
			serveError(w, http.StatusForbidden, "Permission denied")
		default:
			scopedLog.Error().Err(err).Msg("Failed to read file")
			serveError(w, http.StatusInternalServerError, "Failed to read file")
		}
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(target.HeaderMode, info.Mode)
	w.Header().Set(target.HeaderOwner, info.Owner)
	w.Header().Set(target.HeaderGroup, info.Group)
	_, _ = w.Write(content)
}

func (a *Agent) handlePutFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	scopedLog := log.With().
		Str("handler", "handlePutFile").
		Str("path", path).
		Logger()

	if path == "" {
		serveError(w, http.StatusBadRequest, "File path cannot be empty")
		return
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		serveError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	info := &target.FileInfo{
		Mode:  r.Header.Get(target.HeaderMode),
		Owner: r.Header.Get(target.HeaderOwner),
		Group: r.Header.Get(target.HeaderGroup),
	}

	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	if err := a.local.PushFile(r.Context(), path, content, info); err != nil {
		switch {
		case errors.Is(err, target.ErrPermission):
			serveError(w, http.StatusForbidden, "Permission denied")
		default:
			scopedLog.Error().Err(err).Msg("Failed to write file")
			serveError(w, http.StatusInternalServerError, "Failed to write file")
		}
		return
	}

	if created {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
