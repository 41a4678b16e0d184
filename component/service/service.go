package service

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SalmonSung/psql-cli/component/collector"
	"github.com/SalmonSung/psql-cli/utils"
)

// Server exposes the latest snapshot read-only over HTTP. It never mutates
// a stored snapshot; consumers needing transformations must clone first.
type Server struct {
	httpServer *http.Server

	mu       sync.RWMutex
	snap     *collector.Snapshot
	lastRun  time.Time
	lastErr  string
	runCount int
}

type status struct {
	LastRun  time.Time         `json:"last_run"`
	Runs     int               `json:"runs"`
	LastErr  string            `json:"last_error,omitempty"`
	Window   *collector.Window `json:"window,omitempty"`
	Failed   map[string]string `json:"failed,omitempty"`
	Snapshot bool              `json:"snapshot"`
}

func NewServer(addr string) *Server {
	s := &Server{}

	gin.SetMode(gin.ReleaseMode)
	ng := gin.New()
	ng.Use(gin.Recovery())
	ng.GET("/status", s.handleStatus)
	ng.GET("/snapshot", s.handleSnapshot)
	ng.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(ng)

	s.httpServer = &http.Server{Addr: addr, Handler: ng}
	return s
}

// SetSnapshot publishes the result of one acquisition run. A nil snapshot
// with a non-nil err records a failed run without dropping the previous
// snapshot.
func (s *Server) SetSnapshot(snap *collector.Snapshot, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = time.Now()
	s.runCount++
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	if snap != nil {
		s.snap = snap
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := status{
		LastRun:  s.lastRun,
		Runs:     s.runCount,
		LastErr:  s.lastErr,
		Snapshot: s.snap != nil,
	}
	if s.snap != nil {
		w := s.snap.Window
		st.Window = &w
		st.Failed = s.snap.Failed
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot collected yet"})
		return
	}
	c.JSON(http.StatusOK, s.snap)
}

// Start serves until Stop is called.
func (s *Server) Start() {
	go utils.GoWithRecovery(func() {
		log.Info("http service listening", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http service failed", zap.Error(err))
		}
	}, nil)
}

func (s *Server) Stop(ctx context.Context) error {
	log.Info("stopping http service")
	return s.httpServer.Shutdown(ctx)
}
