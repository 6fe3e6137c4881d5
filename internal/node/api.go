package node

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/lestonEth/dnstore/internal/core"
	"github.com/lestonEth/dnstore/internal/shard"
)

// API is the local control surface of a node.
type API struct {
	node   *Node
	logger zerolog.Logger

	mu        sync.Mutex
	downloads map[string]*shard.Operation
}

func NewAPI(n *Node, logger zerolog.Logger) *API {
	return &API{
		node:      n,
		logger:    logger.With().Str("component", "api").Logger(),
		downloads: make(map[string]*shard.Operation),
	}
}

func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), a.requestLogger())

	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/status", a.handleStatus)
	router.GET("/chain", a.handleChain)
	router.GET("/peers", a.handlePeers)
	router.GET("/files", a.handleListFiles)
	router.POST("/files", a.handleUploadFile)
	router.POST("/downloads/:name", a.handleStartDownload)
	router.GET("/downloads/:name", a.handleDownloadStatus)
	return router
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug().Str("method", c.Request.Method).Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).Dur("took", time.Since(start)).Msg("request")
	}
}

func (a *API) handleStatus(c *gin.Context) {
	n := a.node
	root, err := n.store.MerkleRoot()
	if err != nil {
		a.logger.Warn().Err(err).Msg("storage merkle root")
	}
	c.JSON(http.StatusOK, gin.H{
		"address":   n.Address,
		"alive":     n.IsAlive(),
		"udp":       n.transport.LocalAddr().String(),
		"uptime":    n.Uptime().Round(time.Second).String(),
		"ledger":    n.ledger.State().String(),
		"height":    n.ledger.Height(),
		"pending":   len(n.ledger.Pending()),
		"files":     n.index.FileCount(),
		"storage":   n.store.Stats(),
		"storeRoot": root,
		"transport": n.transport.Stats(),
		"protocol":  n.protocol.Stats(),
	})
}

func (a *API) handleChain(c *gin.Context) {
	c.JSON(http.StatusOK, a.node.ledger.Blocks())
}

func (a *API) handlePeers(c *gin.Context) {
	peers, err := a.node.ledger.OnlinePeers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(peers))
	for _, p := range peers {
		view := gin.H{"dnAddress": p.Address, "ipAddress": p.IP, "port": p.Port}
		if ma, err := p.Multiaddr(); err == nil {
			view["multiaddr"] = ma.String()
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) handleListFiles(c *gin.Context) {
	c.JSON(http.StatusOK, a.node.index.List())
}

type uploadRequest struct {
	Path string `json:"path"`
}

// handleUploadFile accepts either a multipart "file" field or a JSON body
// naming a file on the node's disk.
func (a *API) handleUploadFile(c *gin.Context) {
	path, cleanup, err := a.uploadSource(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer cleanup()

	manifest, err := a.node.shards.Upload(c.Request.Context(), path)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, manifest)
}

func (a *API) uploadSource(c *gin.Context) (string, func(), error) {
	noop := func() {}
	if header, err := c.FormFile("file"); err == nil {
		dir, err := os.MkdirTemp(a.node.layout.Uploads, "incoming-")
		if err != nil {
			return "", noop, err
		}
		dst := filepath.Join(dir, filepath.Base(header.Filename))
		if err := c.SaveUploadedFile(header, dst); err != nil {
			os.RemoveAll(dir)
			return "", noop, err
		}
		return dst, func() { os.RemoveAll(dir) }, nil
	}

	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Path == "" {
		return "", noop, errors.New("expected a multipart file or {\"path\": ...}")
	}
	return req.Path, noop, nil
}

func (a *API) handleStartDownload(c *gin.Context) {
	name := c.Param("name")
	op, err := a.node.shards.Download(name)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	a.mu.Lock()
	a.downloads[name] = op
	a.mu.Unlock()
	c.JSON(http.StatusAccepted, downloadView(op))
}

func (a *API) handleDownloadStatus(c *gin.Context) {
	name := c.Param("name")
	a.mu.Lock()
	op, ok := a.downloads[name]
	a.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no download for " + name})
		return
	}
	c.JSON(http.StatusOK, downloadView(op))
}

func downloadView(op *shard.Operation) gin.H {
	received, total := op.Progress()
	view := gin.H{"name": op.Name, "received": received, "total": total, "state": "running"}
	select {
	case <-op.Done():
		if err := op.Err(); err != nil {
			view["state"] = "failed"
			view["error"] = err.Error()
		} else {
			view["state"] = "complete"
			view["path"] = op.Output()
		}
	default:
	}
	return view
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrFileNotIndexed), errors.Is(err, core.ErrManifestNotFound),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDownloadInProgress):
		return http.StatusConflict
	case errors.Is(err, core.ErrNoPeers), errors.Is(err, core.ErrPeerNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrTransferTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrStorageFull):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}
