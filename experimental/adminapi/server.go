// Package adminapi is the operator API of a tunnel server: it lists
// tunnels, reports whether a tunnel is online anywhere in the cluster,
// stops tunnels remotely and streams logs.
package adminapi

import (
	"errors"
	"net"
	"net/http"
	"strings"

	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/option"
	"github.com/sagernet/sing-expose/route"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sagernet/cors"
)

type Server struct {
	router     *route.Router
	logger     log.Logger
	httpServer *http.Server
}

func NewServer(router *route.Router, logFactory log.ObservableFactory, options option.AdminAPIOptions) *Server {
	chiRouter := chi.NewRouter()
	server := &Server{
		router: router,
		logger: logFactory.NewLogger("admin-api"),
		httpServer: &http.Server{
			Addr:    options.Listen,
			Handler: chiRouter,
		},
	}
	allowedOrigins := options.AccessControlAllowOrigin
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	cors := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	})
	chiRouter.Use(cors.Handler)
	chiRouter.Group(func(r chi.Router) {
		r.Use(authentication(options.Secret))
		r.Get("/", hello)
		r.Get("/version", version)
		r.Get("/logs", getLogs(logFactory))
		r.Mount("/tunnels", tunnelRouter(router))
	})
	return server
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return E.Cause(err, "admin api listen error")
	}
	s.logger.Info("admin api listening at ", listener.Addr())
	go func() {
		err = s.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin api serve error: ", err)
		}
	}()
	return nil
}

func (s *Server) Close() error {
	return common.Close(common.PtrOrNil(s.httpServer))
}

func authentication(serverSecret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if serverSecret == "" {
				next.ServeHTTP(w, r)
				return
			}

			// browsers cannot set headers on websocket requests
			if r.Header.Get("Upgrade") != "" && r.URL.Query().Get("token") != "" {
				if r.URL.Query().Get("token") != serverSecret {
					render.Status(r, http.StatusUnauthorized)
					render.JSON(w, r, ErrUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			bearer, token, found := strings.Cut(header, " ")
			if bearer != "Bearer" || !found || token != serverSecret {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

func hello(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, render.M{"hello": "sing-expose"})
}

func version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, render.M{"version": C.Version})
}
