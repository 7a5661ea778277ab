package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"viewfinder/internal/logging"
	vfmiddleware "viewfinder/internal/middleware"
	"viewfinder/internal/services"
	"viewfinder/internal/stream"
	"viewfinder/internal/ws"
)

// publicPaths are served without a token
var publicPaths = []string{"/healthz", "/readyz", "/api/health", "/api/auth/login", "/api/auth/status"}

// handleHTTPServer mounts the services and serves until ctx is done, then
// shuts the server down gracefully
func handleHTTPServer(ctx context.Context, v *viewfinder) error {
	logger := v.logger.Named("http")

	// Setup goa log adapter.
	var adapter middleware.Logger = logging.GoaAdapter{Logger: logger}

	var (
		dec = goahttp.RequestDecoder
		enc = goahttp.ResponseEncoder
	)

	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
	}

	srv := services.NewServer(mux, dec, enc, logger)
	{
		srv.MountHealth(services.NewHealthService(v.controller, v.pipeline, v.detector, nil))
		srv.MountAuth(services.NewAuthService(v.auth))
		srv.MountCamera(services.NewCameraService(services.CameraDeps{
			Controller: v.controller,
			Display:    v.compositor,
			Captures:   v.store,
			Pipeline:   v.pipeline,
			Detector:   v.detector,
			Viewers:    v.hub,
			Injector:   v.injector,
			Logger:     logger,
		}))
		srv.MountConfig(v.configSvc)
		srv.MountHandler("Overlay", "GET", "/ws/overlay", ws.NewHandler(v.hub))
		srv.MountHandler("Stream", "GET", "/video/stream", v.preview)
		srv.MountHandler("Snapshot", "GET", "/video/snapshot", stream.NewSnapshotHandler(v.preview))
	}

	// Wrap the multiplexer with additional middlewares. Middlewares mounted
	// here apply to all the service endpoints.
	var handler http.Handler = mux
	{
		if v.cfg.Server.Debug {
			handler = skipForStreams(httpmdlwr.Debug(mux, os.Stdout), handler)
		}
		handler = vfmiddleware.AuthMiddleware(v.auth, publicPaths...)(handler)
		handler = skipForStreams(httpmdlwr.Log(adapter), handler)
		handler = httpmdlwr.RequestID()(handler)
	}

	server := &http.Server{Addr: v.cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	server.RegisterOnShutdown(v.preview.Close)
	for _, m := range srv.Mounts {
		logger.Infow("HTTP mounted", "method", m.Method, "verb", m.Verb, "pattern", m.Pattern)
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server listening", "addr", v.cfg.Server.Addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Infow("shutting down HTTP server", "addr", v.cfg.Server.Addr)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), v.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("failed to shutdown", "error", err)
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// skipForStreams applies mw except on long-lived streams, which need the
// raw writer to hijack or flush
func skipForStreams(mw func(http.Handler) http.Handler, next http.Handler) http.Handler {
	wrapped := mw(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") || strings.HasPrefix(r.URL.Path, "/video/") {
			next.ServeHTTP(w, r)
			return
		}
		wrapped.ServeHTTP(w, r)
	})
}
