package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"anpr-toll-service/internal/http/middleware"
	"anpr-toll-service/internal/live"
	"anpr-toll-service/internal/pipeline"
	"anpr-toll-service/internal/service"
)

const liveBoundary = "frame"

type TollQueries interface {
	FindTolls(ctx context.Context, q service.TollQuery) ([]service.TollInfo, error)
	FindUserTolls(ctx context.Context, userID uuid.UUID, q service.TollQuery) ([]service.TollInfo, error)
	FindUnauthorized(ctx context.Context, limit, offset int) ([]service.UnauthorizedInfo, error)
	ListCameras(ctx context.Context) ([]service.CameraInfo, error)
	RegisterCamera(ctx context.Context, in service.CameraInput) (*service.CameraInfo, error)
	ListTollStations(ctx context.Context) ([]service.TollStationInfo, error)
	RegisterTollStation(ctx context.Context, in service.TollStationInput) (*service.TollStationInfo, error)
	ExportTolls(ctx context.Context, q service.TollQuery, w io.Writer) (int, error)
}

// LiveFeed hands out live-view subscriptions.
type LiveFeed interface {
	Subscribe() *live.Subscription
	Stats() live.PublisherStats
}

type PlateHub interface {
	Register(conn live.Conn)
	Unregister(conn live.Conn)
	Clients() int
}

type PipelineStatus interface {
	Stats() pipeline.Stats
}

type ProcessorStatus interface {
	Stats() service.ProcessorStats
}

type Handler struct {
	queries   TollQueries
	feed      LiveFeed
	plates    PlateHub
	pipeline  PipelineStatus
	processor ProcessorStatus
	log       zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewHandler wires the HTTP surface. runner may be nil when capture is
// disabled or the camera could not be opened.
func NewHandler(
	queries TollQueries,
	feed LiveFeed,
	plates PlateHub,
	runner PipelineStatus,
	processor ProcessorStatus,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		queries:   queries,
		feed:      feed,
		plates:    plates,
		pipeline:  runner,
		processor: processor,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.GET("/live", h.streamLive)
		public.GET("/ws", h.plateSocket)
	}

	// Any authenticated user
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.GET("/me/tolls", h.listMyTolls)
	}

	// Operators and admins
	staff := r.Group("/api/v1")
	staff.Use(authMiddleware, middleware.RequireStaff())
	{
		staff.GET("/tolls", h.listTolls)
		staff.GET("/tolls/export", h.exportTolls)
		staff.GET("/unauthorized-vehicles", h.listUnauthorized)
		staff.GET("/cameras", h.listCameras)
		staff.POST("/cameras", h.registerCamera)
		staff.GET("/toll-stations", h.listTollStations)
		staff.POST("/toll-stations", h.registerTollStation)
		staff.GET("/pipeline/status", h.pipelineStatus)
	}
}

func (h *Handler) listTolls(c *gin.Context) {
	tolls, err := h.queries.FindTolls(c.Request.Context(), tollQuery(c))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(tolls))
}

func (h *Handler) listMyTolls(c *gin.Context) {
	principal, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	tolls, err := h.queries.FindUserTolls(c.Request.Context(), principal.UserID, tollQuery(c))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(tolls))
}

func (h *Handler) exportTolls(c *gin.Context) {
	var buf bytes.Buffer
	rows, err := h.queries.ExportTolls(c.Request.Context(), tollQuery(c), &buf)
	if err != nil {
		h.handleError(c, err)
		return
	}

	filename := fmt.Sprintf("tolls_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
	h.log.Info().Int("rows", rows).Str("file", filename).Msg("toll export generated")

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

func (h *Handler) listUnauthorized(c *gin.Context) {
	limit, offset := pageParams(c)
	rows, err := h.queries.FindUnauthorized(c.Request.Context(), limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(rows))
}

func (h *Handler) listCameras(c *gin.Context) {
	cameras, err := h.queries.ListCameras(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(cameras))
}

func (h *Handler) registerCamera(c *gin.Context) {
	var req service.CameraInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	camera, err := h.queries.RegisterCamera(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse(camera))
}

func (h *Handler) listTollStations(c *gin.Context) {
	stations, err := h.queries.ListTollStations(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(stations))
}

func (h *Handler) registerTollStation(c *gin.Context) {
	var req service.TollStationInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	station, err := h.queries.RegisterTollStation(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse(station))
}

func (h *Handler) pipelineStatus(c *gin.Context) {
	status := gin.H{}

	if h.pipeline != nil {
		status["pipeline"] = h.pipeline.Stats()
	} else {
		status["pipeline"] = gin.H{"running": false}
	}
	if h.processor != nil {
		status["processor"] = h.processor.Stats()
	}

	liveStatus := gin.H{}
	if h.feed != nil {
		liveStatus["feed"] = h.feed.Stats()
	}
	if h.plates != nil {
		liveStatus["plate_clients"] = h.plates.Clients()
	}
	status["live"] = liveStatus

	c.JSON(http.StatusOK, successResponse(status))
}

// streamLive serves the annotated feed as multipart/x-mixed-replace until the
// feed ends or the client goes away.
func (h *Handler) streamLive(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("live view unavailable"))
		return
	}

	sub := h.feed.Subscribe()
	defer sub.Cancel()

	mw := multipart.NewWriter(c.Writer)
	if err := mw.SetBoundary(liveBoundary); err != nil {
		h.log.Error().Err(err).Msg("invalid live boundary")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+liveBoundary)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case img, ok := <-sub.Frames():
			if !ok {
				_ = mw.Close()
				return false
			}
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":   {"image/jpeg"},
				"Content-Length": {strconv.Itoa(len(img))},
			})
			if err != nil {
				return false
			}
			_, err = part.Write(img)
			return err == nil
		}
	})
}

// plateSocket upgrades to a websocket and hands the connection to the plate
// hub. Inbound messages are read and discarded so close frames are seen.
func (h *Handler) plateSocket(c *gin.Context) {
	if h.plates == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("plate feed unavailable"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote_addr", c.ClientIP()).Msg("websocket upgrade failed")
		return
	}

	h.plates.Register(conn)
	defer h.plates.Unregister(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func tollQuery(c *gin.Context) service.TollQuery {
	q := service.TollQuery{}
	if plate := strings.TrimSpace(c.Query("plate")); plate != "" {
		q.Plate = &plate
	}
	if f := strings.TrimSpace(c.Query("from")); f != "" {
		q.From = &f
	}
	if t := strings.TrimSpace(c.Query("to")); t != "" {
		q.To = &t
	}
	q.Limit, q.Offset = pageParams(c)
	return q
}

// pageParams ignores malformed values; the service applies defaults and caps.
func pageParams(c *gin.Context) (int, int) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
