package myhttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"roadside/internal/config"
	"roadside/internal/dispatch-service/adapters/driven/bm"
	"roadside/internal/dispatch-service/adapters/driven/db"
	"roadside/internal/dispatch-service/adapters/driver/myhttp/handle"
	"roadside/internal/dispatch-service/adapters/driver/myhttp/middleware"
	"roadside/internal/dispatch-service/adapters/driver/myhttp/ws"
	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/ports"
	"roadside/internal/dispatch-service/core/services"
	"roadside/internal/mylogger"
)

const WaitTime = 10

type Server struct {
	mux    *http.ServeMux
	cfg    *config.Config
	srv    *http.Server
	mylog  mylogger.Logger
	db     *db.DB
	mb     ports.ISettlementBroker
	hub    *ws.Hub
	disp   *services.Dispatcher
	ctx    context.Context
	appCtx context.Context
	mu     sync.Mutex
}

func NewServer(ctx, appCtx context.Context, mylog mylogger.Logger, cfg *config.Config) *Server {
	return &Server{
		ctx:    ctx,
		appCtx: appCtx,
		cfg:    cfg,
		mylog:  mylog,
		mux:    http.NewServeMux(),
	}
}

// Run initializes adapters and core services, restores state, and
// starts listening. It returns when the server stops.
func (s *Server) Run() error {
	mylog := s.mylog.Action("server_start")

	database, err := db.New(s.ctx, s.cfg.DB, mylog)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = database
	mylog.Info("Successful database connection")

	mb, err := bm.New(s.appCtx, *s.cfg.RabbitMq, s.mylog)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	s.mb = mb
	mylog.Info("Successful message broker connection")

	if err := s.Configure(); err != nil {
		return err
	}

	s.mu.Lock()
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%v", s.cfg.Srv.DispatchServicePort),
		Handler: s.mux,
	}
	s.mu.Unlock()

	mylog.WithGroup("details").With("port", s.cfg.Srv.DispatchServicePort).Info("server is running")
	return s.startHTTPServer()
}

// Stop provides a programmatic shutdown.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mylog.Info("Shutting down HTTP server...")

	if s.disp != nil {
		s.disp.Stop()
	}
	if s.hub != nil {
		s.hub.Shutdown()
	}

	if s.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, WaitTime*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.mylog.Error("Failed to shut down HTTP server gracefully", err)
			return fmt.Errorf("http server shutdown: %w", err)
		}
	}

	if s.mb != nil {
		if err := s.mb.Close(); err != nil {
			s.mylog.Error("Failed to close message broker", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.mylog.Error("Failed to close database", err)
			return fmt.Errorf("db close: %w", err)
		}
		s.mylog.Info("Database closed")
	}

	s.mylog.Info("HTTP server shut down gracefully")
	return nil
}

func (s *Server) startHTTPServer() error {
	errCh := make(chan error, 1)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		} else {
			errCh <- nil
		}
	}()

	select {
	case <-s.ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Configure builds the core (presence index, geo query, governor,
// lifecycle engine, dispatcher, session router) on top of the adapters
// and registers the routes.
func (s *Server) Configure() error {
	dcfg := s.cfg.Dispatch

	// repositories
	eventStore := db.NewEventStore(s.db)
	requestRepo := db.NewRequestRepo(s.db)
	presenceRepo := db.NewPresenceRepo(s.db)
	overviewRepo := db.NewOverviewRepo(s.db)

	// core services
	idx := services.NewPresenceIndex(dcfg, presenceRepo, s.mylog)
	geo := services.NewGeoQuery(dcfg, idx)
	gov := services.NewGovernor(dcfg, idx, requestRepo)
	router := services.NewRouter(dcfg, eventStore, s.mylog)
	engine := services.NewEngine(dcfg, eventStore, requestRepo, idx, gov, router, s.mb, s.mylog)
	dispatcher := services.NewDispatcher(dcfg, geo, engine, gov, idx, router, s.mylog)
	engine.AttachDispatcher(dispatcher)
	s.disp = dispatcher

	// recovery before the surface opens: presence first, then pending
	// dispatch cycles from the event log
	if err := idx.Restore(s.appCtx); err != nil {
		return fmt.Errorf("restore presence index: %w", err)
	}
	if err := dispatcher.Recover(s.appCtx); err != nil {
		return fmt.Errorf("recover dispatch cycles: %w", err)
	}
	dispatcher.Start(s.appCtx)

	// handlers
	authMiddleware := middleware.NewAuthMiddleware(s.cfg.App.JwtSecret)
	requestsHandler := handle.NewRequestsHandler(engine, dispatcher, gov, s.mylog)
	mechanicsHandler := handle.NewMechanicsHandler(idx, geo, engine, dcfg.DefaultRadiusM, s.mylog)
	adminHandler := handle.NewAdminHandler(overviewRepo, idx, dispatcher, s.mylog)
	s.hub = ws.NewHub(router, authMiddleware, s.mylog)

	// request lifecycle
	s.mux.Handle("POST /requests", authMiddleware.Wrap(requestsHandler.Create(), model.RoleUser))
	s.mux.Handle("GET /requests/{request_id}", authMiddleware.Wrap(requestsHandler.Get()))
	s.mux.Handle("GET /requests/{request_id}/events", authMiddleware.Wrap(requestsHandler.Events()))
	s.mux.Handle("PUT /requests/{request_id}/accept", authMiddleware.Wrap(requestsHandler.Accept(), model.RoleMechanic))
	s.mux.Handle("PUT /requests/{request_id}/reject", authMiddleware.Wrap(requestsHandler.Reject(), model.RoleMechanic))
	s.mux.Handle("PUT /requests/{request_id}/status", authMiddleware.Wrap(requestsHandler.Status(), model.RoleMechanic))
	s.mux.Handle("PUT /requests/{request_id}/cancel", authMiddleware.Wrap(requestsHandler.Cancel(), model.RoleUser, model.RoleMechanic, model.RoleAdmin))
	s.mux.Handle("PUT /requests/{request_id}/rating", authMiddleware.Wrap(requestsHandler.Rating(), model.RoleUser))

	// presence surface
	s.mux.Handle("GET /mechanics/nearby", authMiddleware.Wrap(mechanicsHandler.Nearby()))
	s.mux.Handle("PUT /mechanics/availability", authMiddleware.Wrap(mechanicsHandler.Availability(), model.RoleMechanic))
	s.mux.Handle("PUT /mechanics/location", authMiddleware.Wrap(mechanicsHandler.Location(), model.RoleMechanic))

	// operator surface
	s.mux.Handle("GET /admin/overview", authMiddleware.Wrap(adminHandler.Overview(), model.RoleAdmin))
	s.mux.Handle("PUT /admin/mechanics/{mechanic_id}", authMiddleware.Wrap(adminHandler.RegisterMechanic(), model.RoleAdmin))
	s.mux.Handle("DELETE /admin/mechanics/{mechanic_id}", authMiddleware.Wrap(adminHandler.DeactivateMechanic(), model.RoleAdmin))

	// live channel
	s.mux.Handle("/ws/mechanics/{mechanic_id}", s.hub.MechanicHandler())
	s.mux.Handle("/ws/users/{user_id}", s.hub.UserHandler())

	// health
	s.mux.HandleFunc("GET /health", s.healthHandler())

	return nil
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"db": "ok", "broker": "ok"}
		if err := s.db.IsAlive(); err != nil {
			body["db"] = "down"
			status = http.StatusServiceUnavailable
		}
		if !s.mb.IsAlive() {
			body["broker"] = "down"
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"db":%q,"broker":%q}`, body["db"], body["broker"])
	}
}
