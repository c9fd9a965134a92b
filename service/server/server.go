// Package server is the reference chat backend the sync engine talks to: a REST API
// over Mongo and Redis that publishes every change as a push envelope, plus the
// websocket gateway.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"PPSync/logger"
	"PPSync/middleware"
	"PPSync/middleware/security"
	"PPSync/module/chat/model"
	"PPSync/service/api"
	"PPSync/service/gateway"
	"PPSync/tools/errs"
	"PPSync/tools/ids"
	"PPSync/tools/safe"
	jwtsec "PPSync/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Conf struct {
	Addr         string // default :8080
	JWT          jwtsec.Options
	HistoryLimit int64 // messages returned by a list, default 50
	// OpenJoin lets any authenticated member join any conversation.
	OpenJoin bool
	Clock    func() time.Time
	Logger   *zap.Logger
}

func (c *Conf) norm() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = logger.Log
	}
}

type Deps struct {
	Messages  MessageRepo
	Reads     ReadRepo
	Members   MemberRepo
	Publisher Publisher
	Presence  PresenceRepo     // optional
	Gateway   *gateway.Gateway // optional, mounts /ws
}

type Server struct {
	conf Conf
	deps Deps
	log  *zap.Logger
	mids *middleware.MiddlewareManager
	eng  *gin.Engine
	http *http.Server
}

func New(conf Conf, deps Deps) *Server {
	conf.norm()
	safe.MustNotNil(deps.Messages, "messages repo")
	safe.MustNotNil(deps.Reads, "reads repo")
	safe.MustNotNil(deps.Members, "members repo")
	safe.MustNotNil(deps.Publisher, "publisher")

	s := &Server{conf: conf, deps: deps, log: conf.Logger.Named("server"), mids: middleware.NewManager()}

	eng := gin.New()
	eng.Use(gin.Recovery(), middleware.AccessLog(s.log), s.mids.Use())
	s.routes(eng)
	s.eng = eng
	s.http = &http.Server{Addr: conf.Addr, Handler: eng, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler exposes the engine, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.eng }

// Middlewares lets callers add global middlewares at runtime. They run after
// recovery and access logging, before route handlers.
func (s *Server) Middlewares() *middleware.MiddlewareManager { return s.mids }

func (s *Server) routes(eng *gin.Engine) {
	opts := &security.Options{JWT: s.conf.JWT}
	rt := middleware.NewRouter(eng, security.Middleware(opts))
	auth := middleware.RouteOpt{IsAuth: true}

	eng.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	eng.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rt.POST(api.PathLogin, s.handle(s.Login), middleware.RouteOpt{})
	rt.GET(ginPath(api.PathMember), s.handle(s.GetMember), auth)
	rt.GET(ginPath(api.PathMember)+"/presence", s.handle(s.GetPresence), auth)
	rt.POST(ginPath(api.PathConvMembers), s.handle(s.Join), auth)

	member := s.requireMember()
	conv := func(h func(*gin.Context) error) gin.HandlerFunc {
		return func(c *gin.Context) {
			if member(c) {
				s.handle(h)(c)
			}
		}
	}
	rt.GET(ginPath(api.PathConvMembers), conv(s.ListMembers), auth)
	rt.GET(ginPath(api.PathMessages), conv(s.ListMessages), auth)
	rt.POST(ginPath(api.PathMessages), conv(s.SendMessage), auth)
	rt.POST(ginPath(api.PathMarkRead), conv(s.MarkRead), auth)
	rt.GET(ginPath(api.PathReads), conv(s.ListReads), auth)
	rt.POST(ginPath(api.PathTyping), conv(s.Typing), auth)

	if s.deps.Gateway != nil {
		wsOpts := &security.Options{JWT: s.conf.JWT, QueryToken: true}
		eng.GET("/ws", security.Middleware(wsOpts), s.deps.Gateway.HandleWS)
	}
}

// ginPath turns "{name}" segments into ":name".
func ginPath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			parts[i] = ":" + part[1:len(part)-1]
		}
	}
	return strings.Join(parts, "/")
}

// handle adapts an error-returning handler and renders coded errors.
func (s *Server) handle(h func(*gin.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h(c); err != nil {
			s.writeErr(c, err)
		}
	}
}

func (s *Server) writeErr(c *gin.Context, err error) {
	var ce errs.CodeError
	if !errors.As(err, &ce) {
		s.log.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errs.NewCodeError(errs.ServerInternalError, "internal error"))
		return
	}
	status := http.StatusInternalServerError
	switch ce.Code {
	case errs.InvalidArgument, errs.MalformedPayload:
		status = http.StatusBadRequest
	case errs.Unauthorized:
		status = http.StatusUnauthorized
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Forbidden:
		status = http.StatusForbidden
	case errs.TransientNetwork:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, ce)
}

// requireMember rejects requests from members outside the addressed conversation.
func (s *Server) requireMember() func(c *gin.Context) bool {
	return func(c *gin.Context) bool {
		ok, err := s.deps.Members.IsMember(c.Request.Context(), c.Param("conv"), security.MemberID(c))
		if err != nil {
			s.writeErr(c, err)
			return false
		}
		if !ok {
			s.writeErr(c, errs.ErrForbidden.WrapMsg("not a member", "conversation", c.Param("conv")))
			return false
		}
		return true
	}
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.conf.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return errs.WrapMsg(err, "http server", "addr", s.conf.Addr)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.deps.Gateway != nil {
		s.deps.Gateway.Close()
	}
	return s.http.Shutdown(sctx)
}

// publish fans an envelope out. Failures are logged only: subscribers catch up by polling.
func (s *Server) publish(ctx context.Context, event, conv, id string, payload any) {
	e, err := model.NewEnvelope(event, conv, id, payload)
	if err == nil {
		err = s.deps.Publisher.PublishEnvelope(ctx, e)
	}
	if err != nil {
		s.log.Warn("publish failed", zap.String("event", event), zap.String("conversation", conv), zap.Error(err))
	}
}

func newMessageID() string { return "m-" + ids.GenerateString() }
