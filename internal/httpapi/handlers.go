package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/hub"
	"github.com/DoyleJ11/arena-backend/internal/matchmaking"
	"github.com/DoyleJ11/arena-backend/internal/room"
	"github.com/DoyleJ11/arena-backend/internal/store"
	"github.com/DoyleJ11/arena-backend/internal/types"
	pub "github.com/DoyleJ11/arena-backend/pkg/types"
)

const lookupTimeout = 3 * time.Second

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorBody{Code: code, Error: err.Error()})
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// QueueSize reports how many players wait in one pool.
func QueueSize(q *matchmaking.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := pub.Mode(chi.URLParam(r, "mode"))
		variant := pub.Variant(chi.URLParam(r, "variant"))
		if !mode.Valid() || !variant.Valid() {
			writeError(w, http.StatusBadRequest, matchmaking.Code(matchmaking.ErrInvalidMode), matchmaking.ErrInvalidMode)
			return
		}
		writeJSON(w, http.StatusOK, pub.QueueUpdate{
			Mode:    mode,
			Variant: variant,
			Size:    q.Size(mode, variant),
		})
	}
}

// RoomView returns the authoritative room snapshot used for resync.
func RoomView(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()

		id := chi.URLParam(r, "id")
		rm, err := h.Room(ctx, id)
		if err != nil {
			if errors.Is(err, hub.ErrRoomNotFound) {
				writeError(w, http.StatusNotFound, types.CodeNotFound, err)
				return
			}
			log.Error("room lookup failed", zap.String("room_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, types.CodeInternal, err)
			return
		}

		view, err := rm.View(ctx)
		if err != nil {
			if errors.Is(err, room.ErrClosed) {
				writeError(w, http.StatusNotFound, types.CodeNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, room.Code(err), err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// Result serves a persisted match result once its room is gone.
func Result(results store.Reader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if results == nil {
			writeError(w, http.StatusNotFound, types.CodeNotFound, store.ErrNotFound)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()

		res, err := results.Result(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, types.CodeNotFound, err)
				return
			}
			log.Error("result lookup failed", zap.String("room_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, types.CodeInternal, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
