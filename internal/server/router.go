package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/devstack/internal/logstore"
	mng "github.com/loykin/devstack/internal/manager"
	"github.com/loykin/devstack/internal/process"
)

// Router exposes supervisor state and service logs over HTTP.
// Endpoints (relative to basePath):
//
//	GET  /health
//	GET  /api/services
//	POST /api/services/{name}/{start|stop|restart}
//	GET  /api/logs/{name}?tail=N
//	GET  /api/logs/stream?name=...&since=ID   (Server-Sent Events)
//	POST /api/stack/{start|stop|restart}
//	GET  /metrics                               (when a metrics handler is set)
type Router struct {
	mgr      *mng.Manager
	logs     *logstore.Store
	basePath string

	// TailDefault is used when ?tail= is missing or invalid.
	TailDefault int
	// KeepAlive bounds how long a stream waits for new entries between
	// keep-alive comments.
	KeepAlive time.Duration
	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler
}

const (
	DefaultTailLines = 200
	DefaultKeepAlive = 1500 * time.Millisecond
)

// NewRouter constructs a Router for mgr. basePath may be empty or start
// with '/'; no trailing slash.
func NewRouter(mgr *mng.Manager, basePath string) *Router {
	return &Router{
		mgr:         mgr,
		logs:        mgr.Logs(),
		basePath:    sanitizeBase(basePath),
		TailDefault: DefaultTailLines,
		KeepAlive:   DefaultKeepAlive,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/health", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	group.GET("/api/services", r.handleServices)
	group.POST("/api/services/:name/:action", r.handleServiceAction)
	group.GET("/api/logs/stream", r.handleStream)
	group.GET("/api/logs/:name", r.handleLogs)
	group.POST("/api/stack/:action", r.handleStackAction)
	if r.Metrics != nil {
		group.GET("/metrics", gin.WrapH(r.Metrics))
	}
	g.NoRoute(func(c *gin.Context) { writeJSON(c, http.StatusNotFound, errorResp{Error: "not_found"}) })
	return g
}

// NewServer wraps h in an http.Server for addr. There is no write timeout:
// log streams stay open for as long as the client is connected.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type servicesResp struct {
	Services  []mng.Status `json:"services"`
	Timestamp float64      `json:"timestamp"`
}

type actionResp struct {
	OK      bool   `json:"ok"`
	Service string `json:"service,omitempty"`
	Action  string `json:"action"`
	Error   string `json:"error,omitempty"`
}

type logsResp struct {
	Service   string           `json:"service"`
	Entries   []logstore.Entry `json:"entries"`
	MinID     *int64           `json:"min_id"`
	MaxID     *int64           `json:"max_id"`
	Truncated bool             `json:"truncated"`
}

func (r *Router) known(name string) bool {
	if !process.ValidName(name) {
		return false
	}
	_, ok := r.mgr.Spec(name)
	return ok
}

func (r *Router) handleServices(c *gin.Context) {
	sts := r.mgr.StatusSnapshot(c.Request.Context())
	if sts == nil {
		sts = []mng.Status{}
	}
	now := time.Now()
	writeJSON(c, http.StatusOK, servicesResp{Services: sts, Timestamp: float64(now.UnixNano()) / 1e9})
}

func (r *Router) handleServiceAction(c *gin.Context) {
	name := c.Param("name")
	action := c.Param("action")
	if !r.known(name) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown_service"})
		return
	}
	var err error
	switch action {
	case "start":
		err = r.mgr.Start(name)
	case "stop":
		err = r.mgr.Stop(name)
	case "restart":
		err = r.mgr.Restart(name)
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown_action"})
		return
	}
	resp := actionResp{OK: err == nil, Service: name, Action: action}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStackAction(c *gin.Context) {
	action := c.Param("action")
	var err error
	switch action {
	case "start":
		err = r.mgr.StartAll()
	case "stop":
		err = r.mgr.StopAll()
	case "restart":
		err = r.mgr.RestartAll()
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown_action"})
		return
	}
	resp := actionResp{OK: err == nil, Action: action}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleLogs(c *gin.Context) {
	name := c.Param("name")
	if !r.known(name) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown_service"})
		return
	}
	snap := r.logs.TailSnapshot(name, intQuery(c, "tail", r.TailDefault))
	entries := snap.Entries
	if entries == nil {
		entries = []logstore.Entry{}
	}
	writeJSON(c, http.StatusOK, logsResp{
		Service:   name,
		Entries:   entries,
		MinID:     snap.MinID,
		MaxID:     snap.MaxID,
		Truncated: snap.Truncated,
	})
}
