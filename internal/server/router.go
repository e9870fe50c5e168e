package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"oip/dplistener/internal/worker"
	"oip/dplistener/pkg/logger"
)

// DefaultStopTimeout bounds how long POST .../stop waits for in-flight messages.
const DefaultStopTimeout = 30 * time.Second

// ListenerController is the part of the manager the admin API drives.
type ListenerController interface {
	StartListener(ctx context.Context, id string) error
	StopListener(id string) (<-chan struct{}, error)
	Listeners() []worker.ListenerInfo
}

// Handler serves the admin endpoints.
type Handler struct {
	listeners   ListenerController
	logger      logger.Logger
	stopTimeout time.Duration
}

// NewHandler creates the admin handler.
func NewHandler(listeners ListenerController, log logger.Logger) *Handler {
	return &Handler{listeners: listeners, logger: log, stopTimeout: DefaultStopTimeout}
}

// SetupRoutes registers every admin route.
func SetupRoutes(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		listeners := v1.Group("/listeners")
		{
			listeners.GET("", h.List)
			listeners.POST("/:id/start", h.Start)
			listeners.POST("/:id/stop", h.Stop)
		}
	}

	return r
}

// Health reports liveness and a per-state listener count.
func (h *Handler) Health(c *gin.Context) {
	states := map[string]int{}
	for _, l := range h.listeners.Listeners() {
		states[l.State]++
	}
	Success(c, gin.H{
		"status":    "ok",
		"service":   "dplistener",
		"listeners": states,
	})
}

// List returns every listener.
func (h *Handler) List(c *gin.Context) {
	Success(c, h.listeners.Listeners())
}

// Start starts one listener.
func (h *Handler) Start(c *gin.Context) {
	id := c.Param("id")
	if err := h.listeners.StartListener(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Infof(c.Request.Context(), "[Admin] Listener %s started", id)
	h.respondWith(c, id)
}

// Stop stops one listener and waits for it.
func (h *Handler) Stop(c *gin.Context) {
	id := c.Param("id")
	done, err := h.listeners.StopListener(id)
	if err != nil {
		h.fail(c, err)
		return
	}

	timer := time.NewTimer(h.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		Error(c, http.StatusAccepted, "listener is still stopping")
		return
	case <-c.Request.Context().Done():
		return
	}

	h.logger.Infof(c.Request.Context(), "[Admin] Listener %s stopped", id)
	h.respondWith(c, id)
}

func (h *Handler) respondWith(c *gin.Context, id string) {
	for _, l := range h.listeners.Listeners() {
		if l.ID == id {
			Success(c, l)
			return
		}
	}
	Success(c, nil)
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, worker.ErrUnknownListener) {
		Error(c, http.StatusNotFound, err.Error())
		return
	}
	h.logger.Errorf(c.Request.Context(), "[Admin] %v", err)
	Error(c, http.StatusInternalServerError, err.Error())
}
