// Package controller exposes the read-only introspection HTTP surface of the
// daemon: health, cell tree snapshots, and executable log access.
package controller

import (
	"net/http"
	"strconv"
	"time"

	"celld/internal/cells/service"
	"celld/internal/observe"
	appErr "celld/pkg/errors"
	"celld/pkg/utils/logger"
	"celld/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const streamWriteTimeout = 10 * time.Second

// CellController serves the introspection endpoints.
type CellController struct {
	svc      *service.CellService
	logs     *observe.Registry
	upgrader websocket.Upgrader
}

// NewCellController creates a controller over the cell service and the log
// channel registry.
func NewCellController(svc *service.CellService, logs *observe.Registry) *CellController {
	return &CellController{
		svc:  svc,
		logs: logs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Healthz reports liveness.
func (ctl *CellController) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListCells returns the current cell tree snapshot.
func (ctl *CellController) ListCells(c *gin.Context) {
	resp, err := ctl.svc.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, resp)
}

// GetLogs returns the retained output of one executable channel.
func (ctl *CellController) GetLogs(c *gin.Context) {
	pid, typ, err := ctl.resolveChannel(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	buf, ok := ctl.logs.Get(pid, typ)
	if !ok {
		response.Error(c, appErr.Newf(appErr.NotFound, "no log channel for pid %d", pid))
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Snapshot())
}

// StreamLogs upgrades to a websocket and forwards the retained output
// followed by live chunks until either side closes.
func (ctl *CellController) StreamLogs(c *gin.Context) {
	pid, typ, err := ctl.resolveChannel(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	buf, ok := ctl.logs.Get(pid, typ)
	if !ok {
		response.Error(c, appErr.Newf(appErr.NotFound, "no log channel for pid %d", pid))
		return
	}

	conn, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	chunks, cancel := buf.Subscribe()
	defer cancel()

	if snapshot := buf.Snapshot(); len(snapshot) > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, snapshot); err != nil {
			return
		}
	}

	// Reader goroutine detects client close; writer loop owns the connection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "channel released"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		}
	}
}

func (ctl *CellController) resolveChannel(c *gin.Context) (int, observe.ChannelType, error) {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil || pid <= 0 {
		return 0, 0, appErr.ValidationError("pid", "must be a positive integer")
	}
	switch c.Param("channel") {
	case "stdout":
		return pid, observe.ChannelStdout, nil
	case "stderr":
		return pid, observe.ChannelStderr, nil
	default:
		return 0, 0, appErr.ValidationError("channel", "must be stdout or stderr")
	}
}

// RegisterRoutes mounts the introspection endpoints on a router.
func (ctl *CellController) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", ctl.Healthz)

	api := router.Group("/api/v1")
	api.GET("/cells", ctl.ListCells)
	api.GET("/logs/:pid/:channel", ctl.GetLogs)
	api.GET("/logs/:pid/:channel/stream", ctl.StreamLogs)
}
