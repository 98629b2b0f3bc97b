// Package relay provides a reusable relay server that can be embedded in
// other binaries. One Server is one horizontally-scalable relay instance:
// it claims a bus slot, accepts agent and listener websockets, and serves
// the query and tool surfaces.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/homecast/homecast/internal/logging"
	"github.com/homecast/homecast/internal/metrics"
	"github.com/homecast/homecast/internal/relay/auth"
	"github.com/homecast/homecast/internal/relay/bootstrap"
	"github.com/homecast/homecast/internal/relay/bus"
	"github.com/homecast/homecast/internal/relay/config"
	"github.com/homecast/homecast/internal/relay/connmgr"
	"github.com/homecast/homecast/internal/relay/db"
	"github.com/homecast/homecast/internal/relay/graph"
	"github.com/homecast/homecast/internal/relay/homesync"
	"github.com/homecast/homecast/internal/relay/id"
	"github.com/homecast/homecast/internal/relay/protocol"
	"github.com/homecast/homecast/internal/relay/router"
	"github.com/homecast/homecast/internal/relay/scope"
	"github.com/homecast/homecast/internal/relay/sessions"
	"github.com/homecast/homecast/internal/relay/slots"
	"github.com/homecast/homecast/internal/relay/store"
	"github.com/homecast/homecast/internal/relay/tools"
	"github.com/homecast/homecast/internal/relay/webhub"
)

// Server is one relay instance.
type Server struct {
	cfg        *config.Config
	instanceID string
	slotName   string

	sqlDB    *db.DB
	store    *store.Store
	bus      bus.Bus
	sub      bus.Subscription
	slots    *slots.Registry
	sessions *sessions.Registry
	agents   *connmgr.Manager
	router   *router.Router
	hub      *webhub.Hub
	server   *http.Server
}

// NewServer opens the database, claims a bus slot, and wires every
// component. Call Serve to start listening.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = id.Generate()
	}

	a, err := auth.New(cfg.JWTSecret, cfg.JWTAlgorithm, cfg.JWTTTL)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Setup(sqlDB, cfg.DBStartup); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("setup database: %w", err)
	}

	st := store.New(sqlDB)
	if err := bootstrap.Run(ctx, st); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	// Any sessions recorded for this instance are leftovers from a previous
	// run; no socket can still be open for them.
	sessionReg := sessions.New(st)
	if n, err := sessionReg.DeleteByInstance(ctx, instanceID); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("clear stale sessions: %w", err)
	} else if n > 0 {
		slog.Info("cleared stale sessions from previous run", "count", n)
	}

	var b bus.Bus
	if cfg.BusEnabled() {
		b, err = bus.ConnectNATS(ctx, cfg.NATSURL)
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("connect bus: %w", err)
		}
	} else {
		slog.Info("no bus configured, running in local-only mode")
		b = bus.NewLoopback()
	}

	// The slot is needed only for cross-instance routing. Losing the
	// registry or the topic setup drops the instance to local-only mode
	// instead of failing startup; its own sockets keep working.
	slotReg := slots.New(st, instanceID)
	slotName, err := slotReg.Claim(ctx)
	if err == nil {
		if terr := b.EnsureTopic(ctx, cfg.TopicPrefix+"-"+slotName); terr != nil {
			err = terr
			if rerr := slotReg.Release(ctx); rerr != nil {
				slog.Warn("slot release failed", "slot", slotName, "error", rerr)
			}
		}
	}
	if err != nil {
		slog.Warn("bus slot setup failed, continuing in local-only mode", "error", err)
		_ = b.Close()
		b = bus.NewLoopback()
		slotName = ""
	}

	agents := connmgr.New(a, sessionReg, instanceID)
	rt := router.New(agents, sessionReg, slotReg, b, cfg.TopicPrefix, instanceID, slotName, cfg.ForceBus)

	var sub bus.Subscription
	if slotName != "" {
		sub, err = b.Subscribe(ctx, rt.Topic(slotName), rt.HandleBusFrame)
		if err != nil {
			slog.Warn("slot subscribe failed, continuing in local-only mode", "slot", slotName, "error", err)
			if rerr := slotReg.Release(ctx); rerr != nil {
				slog.Warn("slot release failed", "slot", slotName, "error", rerr)
			}
			rt.DisableCrossInstance()
			sub = nil
			slotName = ""
		}
	}

	hub := webhub.New(a, sessionReg, agents, rt, instanceID)

	syncer := homesync.New(st)

	// Agent events fan out to local listeners and across the bus; bus
	// events reach only this instance's listeners. Listener transitions
	// flow the other way, toward agents. Home listings pushed by agents
	// update the home registry instead of fanning out.
	agents.SetEventFunc(func(ctx context.Context, userID string, f *protocol.Frame) {
		if f.Action == "homes_updated" {
			if _, err := syncer.SyncList(ctx, userID, f.Payload); err != nil {
				slog.Warn("home registry sync failed", "user_id", userID, "error", err)
			}
			return
		}
		hub.HandleAgentEvent(ctx, userID, f)
	})
	agents.SetListenersActiveFunc(func(ctx context.Context, userID string) bool {
		active, err := sessionReg.UserHasActiveListeners(ctx, userID)
		if err != nil {
			slog.Warn("listener count check failed", "user_id", userID, "error", err)
			return false
		}
		return active
	})
	rt.SetEventFunc(hub.HandleBusEvent)
	rt.SetListenersChangedFunc(agents.NotifyListenersChanged)

	// Query surfaces route through a wrapper that refreshes the home
	// registry from every homes.list answer that passes by.
	srt := &syncingRouter{Router: rt, syncer: syncer, store: st}

	fetcher := tools.NewFetcher(st, sessionReg, srt)
	scopeRouter := scope.NewRouter(st, a, fetcher.Snapshot)
	toolsHandler := tools.New(sessionReg, srt)

	graphHandler, err := graph.New(st, a, sessionReg, srt)
	if err != nil {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
		_ = b.Close()
		_ = sqlDB.Close()
		return nil, fmt.Errorf("graph schema: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/graphql", graphHandler)
	mux.Handle("/home/", http.StripPrefix("/home", scopeRouter.HomeMount(toolsHandler)))
	mux.Handle("/homes/", http.StripPrefix("/homes", scopeRouter.UserMount(toolsHandler)))
	mux.HandleFunc("/ws", agents.HandleWS)
	mux.HandleFunc("/ws/web", hub.HandleWS)

	handler := logging.HTTPMiddleware(
		metrics.HTTPMiddleware(
			corsMiddleware(cfg.AllowedCORSOrigins, mux)))

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		instanceID: instanceID,
		slotName:   slotName,
		sqlDB:      sqlDB,
		store:      st,
		bus:        b,
		sub:        sub,
		slots:      slotReg,
		sessions:   sessionReg,
		agents:     agents,
		router:     rt,
		hub:        hub,
		server:     httpServer,
	}, nil
}

// Handler returns the server's full HTTP handler, middleware included.
// Exposed for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Store returns the server's store for direct database access.
func (s *Server) Store() *store.Store {
	return s.store
}

// InstanceID returns the identity this instance registered under.
func (s *Server) InstanceID() string {
	return s.instanceID
}

// SlotName returns the bus slot this instance claimed.
func (s *Server) SlotName() string {
	return s.slotName
}

// Serve starts the relay's background loops and HTTP listener. It blocks
// until ctx is cancelled, then performs an ordered shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.teardown(context.Background())
		return fmt.Errorf("listen: %w", err)
	}

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	go s.slots.RunHeartbeat(loopCtx)
	go s.sessions.RunGC(loopCtx)
	go s.agents.RunPingLoop(loopCtx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("relay shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	slog.Info("relay listening",
		"addr", s.cfg.Addr,
		"instance_id", s.instanceID,
		"slot", s.slotName,
	)

	serveErr := s.server.Serve(ln)
	<-shutdownDone
	cancelLoops()
	s.teardown(context.Background())

	if serveErr != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}

// syncingRouter wraps the cross-instance router so successful homes.list
// answers keep the home registry current as a side effect.
type syncingRouter struct {
	*router.Router
	syncer *homesync.Syncer
	store  *store.Store
}

func (r *syncingRouter) Route(ctx context.Context, agentID, action string, payload json.RawMessage) (json.RawMessage, error) {
	out, err := r.Router.Route(ctx, agentID, action, payload)
	if err == nil && action == "homes.list" {
		userID, ok, oerr := r.store.AgentOwner(ctx, agentID)
		if oerr != nil || !ok {
			return out, err
		}
		if _, serr := r.syncer.SyncList(ctx, userID, out); serr != nil {
			slog.Warn("home registry sync failed", "agent_id", agentID, "error", serr)
		}
	}
	return out, err
}

// teardown releases everything the instance holds, in dependency order:
// stop consuming bus frames, drop this instance's sessions and slot so
// peers stop routing here, then close sockets and connections.
func (s *Server) teardown(ctx context.Context) {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if n, err := s.sessions.DeleteByInstance(ctx, s.instanceID); err != nil {
		slog.Warn("session cleanup failed", "error", err)
	} else if n > 0 {
		slog.Info("released sessions", "count", n)
	}
	if err := s.slots.Release(ctx); err != nil {
		slog.Warn("slot release failed", "slot", s.slotName, "error", err)
	}
	s.agents.CloseAll("server shutting down")
	s.hub.CloseAll("server shutting down")
	_ = s.bus.Close()
	_ = s.sqlDB.Close()
}
