package server

import (
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"sync-server/internal/auth"
	"sync-server/internal/bus"
	"sync-server/internal/config"
	"sync-server/internal/engine"
	"sync-server/internal/handler"
	"sync-server/internal/middleware"
	"sync-server/internal/push"
	"sync-server/internal/rpc"
	"sync-server/internal/socketio"
	"sync-server/internal/sse"
	"sync-server/internal/store"
)

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Policy      config.SyncPolicy
	Deliverer   push.Deliverer
}

// App owns the wired component graph behind the HTTP surface.
type App struct {
	Router      *gin.Engine
	Engine      *engine.Engine
	Socket      *socketio.Server
	Distributor *sse.Distributor
}

// lateTransport defers capability resolution to the socket server, which
// is constructed after the gateway that needs it.
type lateTransport struct {
	v atomic.Value
}

func (t *lateTransport) set(tr rpc.Transport) {
	t.v.Store(tr)
}

func (t *lateTransport) ResolveHandle(method string) (rpc.Handle, bool) {
	tr, _ := t.v.Load().(rpc.Transport)
	if tr == nil {
		return nil, false
	}
	return tr.ResolveHandle(method)
}

func NewApp(deps Deps) *App {
	dist := sse.New(deps.Policy.HeartbeatInterval)

	eventBus := bus.New(bus.Deps{
		Resolver:    deps.Store,
		Groups:      deps.Store,
		Distributor: dist,
	})

	gate := push.NewGate(push.Deps{
		MinInterval: deps.Policy.PushMinInterval,
		Deliverer:   deps.Deliverer,
		Recipients:  deps.Store,
	})

	transport := &lateTransport{}
	gateway := rpc.NewGateway(transport, deps.Policy.RPCTimeout)

	eng := engine.New(engine.Deps{
		Store:   deps.Store,
		Bus:     eventBus,
		Gateway: gateway,
		Push:    gate,
		Policy:  deps.Policy,
	})

	sock := socketio.NewServer(socketio.Deps{
		Store:       deps.Store,
		Engine:      eng,
		TokenConfig: deps.TokenConfig,
	})
	transport.set(sock)
	eng.SetRealtime(sock)

	r := NewRouter(deps, eng, sock, dist)

	return &App{Router: r, Engine: eng, Socket: sock, Distributor: dist}
}

func NewRouter(deps Deps, eng *engine.Engine, sock *socketio.Server, dist *sse.Distributor) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	r.GET("/socket.io/", gin.WrapH(sock))

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	apiLimiter := middleware.NewRateLimiter(300, time.Minute)
	protected.Use(middleware.RateLimitMiddleware(apiLimiter))

	sessionHandler := &handler.SessionHandler{Engine: eng, Store: deps.Store}
	protected.GET("/sessions", sessionHandler.List)
	protected.POST("/sessions", sessionHandler.Create)
	protected.GET("/sessions/:id", sessionHandler.Get)
	protected.DELETE("/sessions/:id", sessionHandler.Delete)
	protected.GET("/sessions/:id/messages", sessionHandler.Messages)
	protected.POST("/sessions/:id/messages", sessionHandler.SendMessage)
	protected.DELETE("/sessions/:id/messages", sessionHandler.ClearMessages)

	machineHandler := &handler.MachineHandler{Engine: eng, Store: deps.Store}
	protected.GET("/machines", machineHandler.List)
	protected.POST("/machines", machineHandler.Upsert)
	protected.GET("/machines/:id", machineHandler.Get)

	commandHandler := &handler.CommandHandler{Engine: eng}
	protected.POST("/sessions/:id/permission", commandHandler.Permission)
	protected.POST("/sessions/:id/abort", commandHandler.Abort)
	protected.POST("/sessions/:id/mode", commandHandler.SetMode)
	protected.GET("/sessions/:id/git-status", commandHandler.GitStatus)
	protected.GET("/sessions/:id/usage", commandHandler.Usage)
	protected.POST("/machines/:id/spawn", commandHandler.Spawn)

	groupHandler := &handler.GroupHandler{Store: deps.Store}
	protected.POST("/groups", groupHandler.Create)
	protected.POST("/groups/:id/members", groupHandler.AddMember)
	protected.GET("/groups/:id/messages", groupHandler.Messages)

	pushHandler := &handler.PushHandler{Store: deps.Store}
	protected.POST("/push", pushHandler.Register)
	protected.DELETE("/push/:clientId", pushHandler.Unregister)

	eventsHandler := &handler.EventsHandler{Distributor: dist}
	protected.GET("/events", eventsHandler.Serve)

	return r
}
