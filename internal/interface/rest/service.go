// Package rest exposes the daemon over HTTP: a small JSON API to
// manage receiver sessions and drive outgoing payjoins, plus the
// interactive BIP 78 receiver endpoint itself.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/payjoinlabs/payjoind/internal/core/application"
)

type Service struct {
	server *http.Server
}

func NewService(port uint32, appSvc *application.Service) *Service {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestId())

	h := &handler{svc: appSvc}

	v1 := router.Group("/v1")
	v1.POST("/sessions", h.openSession)
	v1.GET("/sessions", h.listSessions)
	v1.GET("/sessions/:id", h.getSession)
	v1.GET("/sessions/:id/qr", h.sessionQr)
	v1.POST("/sessions/:id/poll", h.pollSession)
	v1.POST("/send", h.sendPayjoin)
	v1.GET("/info", h.info)

	// The interactive BIP 78 receiver endpoint senders POST originals to.
	router.POST("/payjoin", h.payjoinV1)

	return &Service{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			Handler:      router,
		},
	}
}

func (s *Service) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server exited")
		}
	}()
	log.WithField("addr", s.server.Addr).Info("http server started")
}

// requestId tags every response so a failing call can be matched to
// its log lines.
func requestId() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestId", id)
		c.Writer.Header().Set("X-Request-Id", id)
		c.Next()
	}
}

func (s *Service) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// nolint:all
	s.server.Shutdown(ctx)
}
