package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"

	"github.com/loykin/capwatch/internal/record"
	"github.com/loykin/capwatch/internal/store"
	itls "github.com/loykin/capwatch/internal/tls"
)

// RecordReader is the read side of the result store.
type RecordReader interface {
	Get(ctx context.Context, id string) (record.Record, error)
	List(ctx context.Context) ([]record.Summary, error)
}

type TLSConfig = itls.Config

// Config describes the API listener.
type Config struct {
	Listen      string    `mapstructure:"listen"`
	BasePath    string    `mapstructure:"base_path"`
	CORSOrigins []string  `mapstructure:"cors_origins"`
	TLS         TLSConfig `mapstructure:"tls"`
}

// Router serves analysis records and capture downloads.
// Endpoints:
//
//	GET {basePath}/api/analyses              newest first
//	GET {basePath}/api/analysis/:id          one record
//	GET {basePath}/api/download/:filename    capture file as attachment
//	GET {basePath}/health
//
// The router only reads the result store and the capture directory.
type Router struct {
	store       RecordReader
	captureDir  string
	basePath    string
	corsOrigins []string
}

func NewRouter(rs RecordReader, captureDir, basePath string) *Router {
	return &Router{store: rs, captureDir: captureDir, basePath: sanitizeBase(basePath)}
}

// WithCORS allows cross-origin GETs from origins ("*" for any).
func (r *Router) WithCORS(origins []string) *Router {
	r.corsOrigins = origins
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger())
	group := g.Group(r.basePath)
	group.GET("/api/analyses", r.handleList)
	group.GET("/api/analysis/:id", r.handleGet)
	group.GET("/api/download/:filename", r.handleDownload)
	group.GET("/health", r.handleHealth)

	if len(r.corsOrigins) == 0 {
		return g
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: r.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	})(g)
}

// NewServer builds an http.Server for cfg; it is not started.
func NewServer(cfg Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// captures can be large; bound the download, not the API
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// Serve runs srv until ctx ends, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, tls TLSConfig) error {
	tlsCfg, err := itls.Setup(tls)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	srv.TLSConfig = tlsCfg

	errCh := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			// certificates come from TLSConfig.GetCertificate
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("HTTP server listening", "addr", srv.Addr, "tls", tlsCfg != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Status string `json:"status"`
}

func (r *Router) handleList(c *gin.Context) {
	list, err := r.store.List(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if list == nil {
		list = []record.Summary{}
	}
	writeJSON(c, http.StatusOK, list)
}

func (r *Router) handleGet(c *gin.Context) {
	id := c.Param("id")
	rec, err := r.store.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(c, http.StatusNotFound, errorResp{Error: "Analysis not found"})
	case err != nil:
		slog.Error("Failed to read analysis", "id", id, "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusOK, rec.Detail(id))
	}
}

func (r *Router) handleDownload(c *gin.Context) {
	name := c.Param("filename")
	p, ok := capturePath(r.captureDir, name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "PCAP not found"})
		return
	}
	c.FileAttachment(p, name)
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{Status: "healthy"})
}
