package httpapp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/lecca-io/connectd/internal/credentials"
	"github.com/lecca-io/connectd/internal/http/authn"
	"github.com/lecca-io/connectd/internal/http/handlers"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second

	headerRequestID = "X-Request-ID"
)

type Options struct {
	// InternalAPIToken guards the resolve endpoint. Without it the endpoint
	// is not registered.
	InternalAPIToken string
	Logger           *slog.Logger
}

// EchoServer is the HTTP server wrapper.
type EchoServer struct {
	h      *handlers.Handlers
	e      *echo.Echo
	logger *slog.Logger
}

// NewEchoServer creates a new HTTP server.
func NewEchoServer(svc *credentials.Service, opts Options) (*EchoServer, error) {
	if svc == nil {
		return nil, errors.New("http server: credentials service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.Logger = logger
	es := &EchoServer{h: &handlers.Handlers{Service: svc}, e: e, logger: logger}
	e.HTTPErrorHandler = es.httpErrorHandler
	e.Use(middleware.Recover())
	e.Use(requestID)
	es.registerRoutes(strings.TrimSpace(opts.InternalAPIToken))
	return es, nil
}

func (es *EchoServer) registerRoutes(internalToken string) {
	es.e.GET("/healthz", es.h.HandleHealthz)

	api := es.e.Group("/api")
	api.GET("/connections", es.h.HandleListConnections)
	api.GET("/tenants/:tenant/credentials", es.h.HandleListCredentials)
	api.POST("/tenants/:tenant/credentials", es.h.HandleCreateCredential)
	api.GET("/tenants/:tenant/credentials/:id", es.h.HandleGetCredential)
	api.POST("/tenants/:tenant/credentials/:id/test", es.h.HandleTestCredential)
	api.DELETE("/tenants/:tenant/credentials/:id", es.h.HandleDeleteCredential)

	if internalToken == "" {
		es.logger.Warn("INTERNAL_API_TOKEN is not set; credential resolve endpoint disabled")
		return
	}
	internal := es.e.Group("/internal", authn.RequireToken(internalToken))
	internal.POST("/tenants/:tenant/credentials/:id/resolve", es.h.HandleResolveCredential)
}

// ServeHTTP lets tests and embedding servers drive the router directly.
func (es *EchoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	es.e.ServeHTTP(w, r)
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (es *EchoServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           es.e,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		es.logger.Info("http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := strings.TrimSpace(c.Request().Header.Get(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(handlers.ContextKeyRequestID, id)
		c.Response().Header().Set(headerRequestID, id)
		return next(c)
	}
}

// httpErrorHandler renders errors that escaped a handler. Client errors get
// their status text only; anything else is a generic 500.
func (es *EchoServer) httpErrorHandler(c *echo.Context, err error) {
	status := httpStatusFromError(err)
	if status >= http.StatusInternalServerError {
		_ = es.h.RenderError(c, err)
		return
	}
	if status == http.StatusNotFound {
		_ = handlers.RenderNotFound(c)
		return
	}
	_ = c.JSON(status, handlers.ErrorBody{
		Error:   strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_")),
		Message: http.StatusText(status),
	})
}

type statusCoder interface {
	StatusCode() int
}

func httpStatusFromError(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code >= 400 && code <= 599 {
			return code
		}
	}
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code >= 400 && he.Code <= 599 {
		return he.Code
	}
	return http.StatusInternalServerError
}
