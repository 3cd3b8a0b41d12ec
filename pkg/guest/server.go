package guest

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"bubbles/pkg/log"
)

// Executor performs the guest side effects of the control operations.
// Both calls must return once the action has been started.
type Executor interface {
	PowerOff(ctx context.Context) error
	SpawnTerminal(ctx context.Context) error
}

// NewHandler returns the agent's HTTP handler.
func NewHandler(ctx context.Context, executor Executor) http.Handler {
	h := &handler{
		executor: executor,
		logger:   log.GetLogger(ctx).WithField("component", "agent"),
	}

	router := mux.NewRouter()
	router.HandleFunc(ReadyPath, h.ready).Methods(http.MethodGet)
	router.HandleFunc(ShutdownPath, h.shutdown).Methods(http.MethodPost)
	router.HandleFunc(SpawnTerminalPath, h.spawnTerminal).Methods(http.MethodPost)

	return router
}

type handler struct {
	executor Executor
	logger   *logrus.Entry
}

func (h *handler) ready(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(readyBody))
}

func (h *handler) shutdown(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("shutdown requested")

	if err := h.executor.PowerOff(r.Context()); err != nil {
		h.logger.WithError(err).Error("powering off")
		http.Error(w, "shutdown failed", http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte("Shutdown initiated"))
}

func (h *handler) spawnTerminal(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("terminal requested")

	if err := h.executor.SpawnTerminal(r.Context()); err != nil {
		h.logger.WithError(err).Error("spawning terminal")
		http.Error(w, "spawning terminal failed", http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte("Spawned"))
}
