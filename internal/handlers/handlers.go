package handlers

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/medscan/internal/auth"
	"github.com/example/medscan/internal/logging"
	"github.com/example/medscan/internal/scanner"
	"github.com/example/medscan/internal/session"
	"github.com/example/medscan/internal/usecase"
)

// MaxUploadSize is the default request body limit for uploads.
const MaxUploadSize = 10 << 20

// SessionCookie carries the visitor session id.
const SessionCookie = "medscan_session"

const sessionKey = "medscan.session"

//go:embed templates/*.html
var templateFS embed.FS

var errUploadTooLarge = errors.New("upload exceeds the size limit")

// ReadinessProbe checks the scan backend.
type ReadinessProbe interface {
	Ping(ctx context.Context) error
}

// Options tune the handlers.
type Options struct {
	MaxUploadBytes int64
	SessionTTL     time.Duration
	SecureCookie   bool
	MetricsHandler http.Handler
}

// Handler serves the upload page and its JSON counterparts.
type Handler struct {
	uc     *usecase.ScanUseCase
	probe  ReadinessProbe
	opts   Options
	logger *zap.Logger
}

func NewHandler(uc *usecase.ScanUseCase, probe ReadinessProbe, opts Options, logger *zap.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	return &Handler{uc: uc, probe: probe, opts: opts, logger: logger.Named("handlers")}
}

// RegisterRoutes wires the HTTP handlers to the Gin router. operatorAuth
// guards the scan history endpoints.
func RegisterRoutes(router *gin.Engine, h *Handler, operatorAuth gin.HandlerFunc) {
	router.SetHTMLTemplate(template.Must(template.ParseFS(templateFS, "templates/*.html")))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ready", h.ready)
	if h.opts.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(h.opts.MetricsHandler))
	}

	page := router.Group("/", h.withSession)
	{
		page.GET("/", h.index)
		page.POST("/scan", h.submit)
		page.POST("/reset", h.reset)
		page.GET("/previews/:id", h.preview)
	}

	api := router.Group("/api")
	{
		api.GET("/state", h.withSession, h.state)
		api.POST("/scan", h.withSession, h.scan)

		operator := api.Group("", operatorAuth)
		operator.GET("/scans", h.listScans)
		operator.GET("/scans/:id", h.getScan)
		operator.GET("/metrics/summary", h.metricsSummary)
	}
}

func (h *Handler) withSession(c *gin.Context) {
	id, _ := c.Cookie(SessionCookie)
	sess, created := h.uc.Session(id)
	if created {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(SessionCookie, sess.ID(), int(h.opts.SessionTTL.Seconds()), "/", "", h.opts.SecureCookie, true)
	}
	c.Set(sessionKey, sess)
	c.Next()
}

func currentSession(c *gin.Context) *session.Session {
	return c.MustGet(sessionKey).(*session.Session)
}

func (h *Handler) index(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.HTML(http.StatusOK, "index.html", present(currentSession(c).Snapshot()))
}

func (h *Handler) submit(c *gin.Context) {
	sess := currentSession(c)
	img, err := h.readUpload(c)
	if errors.Is(err, errUploadTooLarge) {
		view := present(sess.Snapshot())
		view.Loading = false
		view.Medicine = nil
		view.Error = "The selected image is too large to upload."
		c.HTML(http.StatusRequestEntityTooLarge, "index.html", view)
		return
	}

	h.uc.Submit(c.Request.Context(), sess, img)
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *Handler) reset(c *gin.Context) {
	h.uc.Reset(c.Request.Context(), currentSession(c).ID())
	c.SetCookie(SessionCookie, "", -1, "/", "", h.opts.SecureCookie, true)
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *Handler) preview(c *gin.Context) {
	preview, err := h.uc.Preview(c.Request.Context(), currentSession(c), c.Param("id"))
	if errors.Is(err, usecase.ErrPreviewNotFound) {
		c.Status(http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to load preview", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Cache-Control", "private, no-store")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Content-Security-Policy", "default-src 'none'; sandbox")
	c.Data(http.StatusOK, preview.ContentType, preview.Data)
}

func (h *Handler) state(c *gin.Context) {
	c.JSON(http.StatusOK, presentJSON(currentSession(c).Snapshot()))
}

func (h *Handler) scan(c *gin.Context) {
	img, err := h.readUpload(c)
	if errors.Is(err, errUploadTooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}
	snap := h.uc.Scan(c.Request.Context(), currentSession(c), img)
	c.JSON(http.StatusOK, presentJSON(snap))
}

func (h *Handler) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.probe.Ping(ctx); err != nil {
		h.logger.Warn("scan backend not ready", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "scanner": "down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "scanner": "up"})
}

// operatorLogger tags log lines with the operator behind the request.
func (h *Handler) operatorLogger(c *gin.Context) *zap.Logger {
	operator, _ := auth.OperatorID(c.Request.Context())
	return h.logger.With(zap.String("operator", operator), zap.String("route", c.FullPath()))
}

func (h *Handler) listScans(c *gin.Context) {
	logger := h.operatorLogger(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	logs, err := h.uc.RecentScans(c.Request.Context(), limit)
	if err != nil {
		h.historyError(c, logger, err)
		return
	}
	logger.Info("scan history listed", zap.Int("count", len(logs)))
	c.JSON(http.StatusOK, gin.H{"scans": logs})
}

func (h *Handler) getScan(c *gin.Context) {
	logger := h.operatorLogger(c).With(zap.String("request_id", c.Param("id")))
	log, err := h.uc.GetScan(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.historyError(c, logger, err)
		return
	}
	logger.Info("scan log read")
	c.JSON(http.StatusOK, log)
}

func (h *Handler) metricsSummary(c *gin.Context) {
	logger := h.operatorLogger(c)
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.historyError(c, logger, err)
		return
	}
	logger.Info("scan summary read", zap.Int64("total_scans", summary.TotalScans))
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) historyError(c *gin.Context, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, usecase.ErrHistoryDisabled):
		logger.Warn("scan history requested but not configured")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
	default:
		fields := []zap.Field{zap.Error(err)}
		if op, ok := logging.OperationOf(err); ok {
			fields = append(fields, zap.String("failed_operation", op))
		}
		logger.Error("history query failed", fields...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load scan history"})
	}
}

// readUpload returns the first file of the "file" field. A missing or
// unreadable selection yields an empty image, which the use case reports
// as an input error.
func (h *Handler) readUpload(c *gin.Context) (scanner.Image, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)

	file, err := c.FormFile(scanner.FileField)
	if err != nil {
		if isTooLarge(err) {
			return scanner.Image{}, errUploadTooLarge
		}
		return scanner.Image{}, nil
	}

	src, err := file.Open()
	if err != nil {
		h.logger.Warn("unable to open upload", zap.Error(err))
		return scanner.Image{}, nil
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		h.logger.Warn("failed to read upload", zap.Error(err))
		return scanner.Image{}, nil
	}

	return scanner.Image{
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
