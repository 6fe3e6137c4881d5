package rendezvous

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type presence struct {
	DNAddress string `json:"DNAddress" binding:"required"`
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/status", s.handleStatus)
	router.GET("/OnlineNodes", s.handleOnlineNodes)
	router.POST("/OnlineNodes/GoOnline", s.handlePresence(true))
	router.POST("/OnlineNodes/GoOffline", s.handlePresence(false))
	return router
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tracked":   s.registry.Len(),
		"online":    len(s.registry.Online()),
		"alive":     s.IsAlive(),
		"uptime":    s.Uptime().Round(time.Second).String(),
		"transport": s.tr.Stats(),
	})
}

func (s *Server) handleOnlineNodes(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Online())
}

func (s *Server) handlePresence(online bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req presence
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.registry.SetOnline(req.DNAddress, online)
		s.logger.Info().Str("node", req.DNAddress).Bool("online", online).Msg("presence updated")
		c.Status(http.StatusNoContent)
	}
}
