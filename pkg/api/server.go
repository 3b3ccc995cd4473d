package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"llmrouter/pkg/registry"
	"llmrouter/pkg/router"
)

var (
	queueSizeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "llmrouter_worker_queue_size",
		Help: "Current queue length plus in-flight requests per worker.",
	}, []string{"worker"})

	utilizationGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "llmrouter_worker_utilization",
		Help: "Fraction of (capacity+maxConcurrent) currently occupied.",
	}, []string{"worker"})

	tpsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "llmrouter_worker_tps",
		Help: "Most recently measured tokens/sec per worker.",
	}, []string{"worker"})

	generateCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llmrouter_generate_requests_total",
		Help: "Total number of generate requests served by the public API.",
	})
)

// changeModelBody is the JSON body of POST /v1/models/change.
type changeModelBody struct {
	Name string `json:"name" binding:"required"`
}

// generateBody is the JSON body of POST /v1/generate.
type generateBody struct {
	Prompt       string `json:"prompt" binding:"required"`
	TrainingData string `json:"training_data"`
	Knowledge    string `json:"knowledge"`
}

// Server exposes the Control/Observability API over gin, and drives the
// websocket dashboard broadcast loop.
type Server struct {
	rt          *router.Router
	broadcaster *Broadcaster
	log         zerolog.Logger
	engine      *gin.Engine

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Server wired to rt and broadcaster.
func New(rt *router.Router, broadcaster *Broadcaster, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		rt:          rt,
		broadcaster: broadcaster,
		log:         log.With().Str("component", "api").Logger(),
		engine:      gin.New(),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Engine returns the underlying gin engine, for cmd/router to run with
// http.Server (so graceful shutdown composes with the rest of the
// process).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/v1/queue-health", s.handleQueueHealth)
	s.engine.GET("/v1/profiles", s.handleProfiles)
	s.engine.GET("/v1/velocities", s.handleVelocities)
	s.engine.GET("/v1/prewarm", s.handlePreWarm)
	s.engine.GET("/v1/strategy", s.handleStrategy)
	s.engine.GET("/v1/features", s.handleFeatures)
	s.engine.GET("/v1/models", s.handleListModels)
	s.engine.POST("/v1/models/change", s.handleChangeModel)
	s.engine.POST("/v1/generate", s.handleGenerate)
	s.engine.GET("/dashboard/ws", s.handleDashboardWS)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) handleQueueHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.rt.QueueHealth())
}

func (s *Server) handleProfiles(c *gin.Context) {
	c.JSON(http.StatusOK, s.rt.Profiles())
}

func (s *Server) handleVelocities(c *gin.Context) {
	c.JSON(http.StatusOK, s.rt.Velocities())
}

func (s *Server) handlePreWarm(c *gin.Context) {
	c.JSON(http.StatusOK, s.rt.PreWarmRecommendations())
}

func (s *Server) handleStrategy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategy": s.rt.StrategyName()})
}

func (s *Server) handleFeatures(c *gin.Context) {
	c.JSON(http.StatusOK, s.rt.FeatureToggles())
}

func (s *Server) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.rt.AvailableModels(c.Request.Context())})
}

func (s *Server) handleChangeModel(c *gin.Context) {
	var body changeModelBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := s.rt.ChangeModel(c.Request.Context(), body.Name)
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGenerate(c *gin.Context) {
	var body generateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	generateCounter.Inc()
	text := s.rt.Generate(body.Prompt, body.TrainingData, body.Knowledge)
	c.JSON(http.StatusOK, gin.H{"response": text})
}

func (s *Server) handleDashboardWS(c *gin.Context) {
	s.broadcaster.Upgrade(c.Writer, c.Request)
}

// StartBroadcastLoop begins a 1s ticker pushing ClusterState snapshots
// and updating prometheus gauges, until Stop is called.
func (s *Server) StartBroadcastLoop() {
	go s.broadcastLoop()
}

// Stop halts the broadcast loop.
func (s *Server) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Server) broadcastLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Server) tick() {
	health := s.rt.QueueHealth()
	profiles := s.rt.Profiles()
	velocities := s.rt.Velocities()
	snapshots := make(map[string]registry.Snapshot)
	for _, snap := range s.rt.Snapshots() {
		snapshots[snap.ID] = snap
	}

	workers := make([]WorkerState, 0, len(health))
	for _, h := range health {
		p := profiles[h.WorkerID]
		snap := snapshots[h.WorkerID]
		workers = append(workers, WorkerState{
			ID:            h.WorkerID,
			Online:        snap.State == registry.Online,
			TPS:           snap.TPS,
			QueueSize:     h.QueueSize,
			Capacity:      h.Capacity,
			Utilization:   h.Utilization,
			Status:        string(h.Status),
			InFlight:      snap.InFlight,
			MaxConcurrent: snap.MaxConcurrent,
			Velocity:      velocities[h.WorkerID],
			AvgLatencyMs:  p.AvgMs,
		})

		queueSizeGauge.WithLabelValues(h.WorkerID).Set(float64(h.QueueSize))
		utilizationGauge.WithLabelValues(h.WorkerID).Set(h.Utilization)
		tpsGauge.WithLabelValues(h.WorkerID).Set(snap.TPS)
	}

	state := &ClusterState{
		Timestamp: time.Now(),
		Workers:   workers,
		Strategy:  s.rt.StrategyName(),
		Toggles:   s.rt.FeatureToggles(),
	}
	s.broadcaster.Broadcast(state)
}
