package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mcpd-dev/mcpd/internal/broadcast"
	"github.com/mcpd-dev/mcpd/internal/config"
	"github.com/mcpd-dev/mcpd/internal/contextstore"
	"github.com/mcpd-dev/mcpd/internal/metrics"
	"github.com/mcpd-dev/mcpd/internal/protocol"
	"github.com/mcpd-dev/mcpd/internal/supervisor"
)

// Router exposes the MCP control surface over HTTP. It is embeddable: the
// application's own routing layer mounts Handler() wherever it likes.
//
// Endpoints under basePath:
//
//	GET    /servers              list runtime states
//	GET    /servers/:id          one server's state
//	PUT    /servers/:id          upsert a definition {command, args, env}
//	DELETE /servers/:id          remove a definition
//	POST   /servers/:id/start
//	POST   /servers/:id/stop
//	POST   /servers/:id/restart
//	POST   /start-all            start every defined server
//	POST   /stop-all             stop every defined server
//	GET    /manifest             full manifest
//	PUT    /manifest             replace the manifest
//	POST   /context/export       {path}
//	POST   /context/import       {path, overwrite}
//	POST   /mcp/message          raw envelope -> dispatcher
//	GET    /ws                   status broadcaster subscription
type Router struct {
	sup        *supervisor.Supervisor
	contexts   *contextstore.Store
	dispatcher *protocol.Dispatcher
	caster     *broadcast.Broadcaster
	basePath   string
}

func NewRouter(sup *supervisor.Supervisor, contexts *contextstore.Store, dispatcher *protocol.Dispatcher, caster *broadcast.Broadcaster, basePath string) *Router {
	return &Router{
		sup:        sup,
		contexts:   contexts,
		dispatcher: dispatcher,
		caster:     caster,
		basePath:   sanitizeBase(basePath),
	}
}

// Handler returns an http.Handler powered by gin for mounting in any mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	grp := g.Group(r.basePath)

	grp.GET("/servers", r.handleList)
	grp.POST("/start-all", r.handleStartAll)
	grp.POST("/stop-all", r.handleStopAll)
	grp.GET("/servers/:id", r.handleStatus)
	grp.PUT("/servers/:id", r.handleUpsert)
	grp.DELETE("/servers/:id", r.handleRemove)
	grp.POST("/servers/:id/start", r.handleStart)
	grp.POST("/servers/:id/stop", r.handleStop)
	grp.POST("/servers/:id/restart", r.handleRestart)
	grp.GET("/manifest", r.handleGetManifest)
	grp.PUT("/manifest", r.handleReplaceManifest)
	grp.POST("/context/export", r.handleExport)
	grp.POST("/context/import", r.handleImport)
	grp.POST("/mcp/message", r.handleMessage)
	if r.caster != nil {
		grp.GET("/ws", gin.WrapH(r.caster))
	}
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.List())
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Status(c.Param("id")))
}

type definitionBody struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

func (r *Router) handleUpsert(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid server id: allowed [A-Za-z0-9._-]"})
		return
	}
	var body definitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if body.Command == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command required"})
		return
	}
	def := config.ServerDefinition{ID: id, Command: body.Command, Args: body.Args, Env: body.Env}
	if err := r.sup.UpsertDefinition(def); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "id": id})
}

func (r *Router) handleRemove(c *gin.Context) {
	id := c.Param("id")
	removed, err := r.sup.RemoveDefinition(id)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if !removed {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown server: " + id})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleStart(c *gin.Context) {
	r.writeResult(c, r.sup.Start(c.Request.Context(), c.Param("id")))
}

func (r *Router) handleStop(c *gin.Context) {
	r.writeResult(c, r.sup.Stop(c.Request.Context(), c.Param("id")))
}

func (r *Router) handleRestart(c *gin.Context) {
	r.writeResult(c, r.sup.Restart(c.Request.Context(), c.Param("id")))
}

// writeResult maps soft-failure codes onto HTTP statuses; the Result body is
// always returned so callers can branch on code rather than status text.
func (r *Router) writeResult(c *gin.Context, res supervisor.Result) {
	status := http.StatusOK
	if !res.OK {
		switch res.Code {
		case supervisor.CodeUnknownServer:
			status = http.StatusNotFound
		case supervisor.CodeNotRunning:
			status = http.StatusConflict
		default:
			status = http.StatusBadGateway
		}
	}
	writeJSON(c, status, res)
}

func (r *Router) handleStartAll(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.StartAll(c.Request.Context()))
}

func (r *Router) handleStopAll(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.StopAll(c.Request.Context()))
}

func (r *Router) handleGetManifest(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"mcpServers": r.sup.Manifest().All()})
}

func (r *Router) handleReplaceManifest(c *gin.Context) {
	var body struct {
		MCPServers map[string]config.ServerDefinition `json:"mcpServers"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	for id := range body.MCPServers {
		if !isSafeName(id) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid server id: " + id})
			return
		}
	}
	if err := r.sup.ReplaceDefinitions(body.MCPServers); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

type snapshotBody struct {
	Path      string `json:"path"`
	Overwrite bool   `json:"overwrite"`
}

func (r *Router) handleExport(c *gin.Context) {
	var body snapshotBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeAbsPath(body.Path) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "path must be absolute without traversal"})
		return
	}
	if err := r.contexts.ExportAll(body.Path); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "path": body.Path})
}

func (r *Router) handleImport(c *gin.Context) {
	var body snapshotBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeAbsPath(body.Path) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "path must be absolute without traversal"})
		return
	}
	if err := r.contexts.ImportAll(body.Path, body.Overwrite); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleMessage(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 4<<20))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
		return
	}
	resp := r.dispatcher.HandleRaw(c.Request.Context(), raw)
	writeJSON(c, http.StatusOK, resp)
}
