package server

import (
	"encoding/base64"
	"fmt"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arrowport/arrowport/pkg/backend/delta"
	"github.com/arrowport/arrowport/pkg/config"
	"github.com/arrowport/arrowport/pkg/errors"
	"github.com/arrowport/arrowport/pkg/loader"
	"github.com/arrowport/arrowport/pkg/logger"
)

// batchPayload carries one Arrow IPC batch over JSON. Both fields are
// base64: schema is the serialized Arrow schema, data the IPC stream.
type batchPayload struct {
	Schema string `json:"schema"`
	Data   string `json:"data"`
}

// streamRequest is the request-response intake body. Config, when
// present, overrides the stream's file-defined routing for this call.
type streamRequest struct {
	Config *config.StreamConfig `json:"config,omitempty"`
	Batch  batchPayload         `json:"batch"`
}

type vacuumRequest struct {
	RetentionHours float64 `json:"retention_hours"`
	DryRun         bool    `json:"dry_run"`
}

type restoreRequest struct {
	Version int64 `json:"version"`
}

type httpHandler struct {
	loader *loader.Loader
	cfg    *config.Store
	delta  *delta.Store
	logger *zap.Logger
}

func (h *httpHandler) register(e *echo.Echo) {
	e.GET("/health", h.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/streams", h.listStreams)
	e.POST("/stream/:stream", h.ingest)

	dg := e.Group("/delta")
	dg.POST("/stream/:stream", h.ingestDelta)
	dg.GET("/tables/:table", h.tableInfo)
	dg.GET("/tables/:table/history", h.tableHistory)
	dg.POST("/tables/:table/vacuum", h.vacuum)
	dg.POST("/tables/:table/restore", h.restore)
}

func (h *httpHandler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ingest is the generic request-response intake. The target backend
// comes from the resolved stream config.
func (h *httpHandler) ingest(c echo.Context) error {
	return h.load(c, nil)
}

// ingestDelta forces the ACID backend regardless of the stream's
// configured routing.
func (h *httpHandler) ingestDelta(c echo.Context) error {
	return h.load(c, &config.StreamConfig{Backend: config.BackendACID})
}

func (h *httpHandler) load(c echo.Context, forced *config.StreamConfig) error {
	stream := c.Param("stream")

	var req streamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}

	schemaBytes, err := base64.StdEncoding.DecodeString(req.Batch.Schema)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "batch.schema is not valid base64")
	}
	payload, err := base64.StdEncoding.DecodeString(req.Batch.Data)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "batch.data is not valid base64")
	}

	override := req.Config
	if forced != nil {
		if override == nil {
			override = forced
		} else {
			merged := *override
			merged.Backend = forced.Backend
			override = &merged
		}
	}

	ctx := logger.ContextWithRequestID(c.Request().Context(),
		c.Response().Header().Get(echo.HeaderXRequestID))

	res, err := h.loader.Load(ctx, stream, override, schemaBytes, payload)
	if err != nil {
		return c.JSON(statusFor(err), res)
	}
	return c.JSON(http.StatusOK, res)
}

// listStreams reports the currently configured streams plus the default
// applied to unknown ones.
func (h *httpHandler) listStreams(c echo.Context) error {
	snap := h.cfg.Snapshot()
	streams := make(map[string]config.StreamConfig, len(snap.Streams))
	for name, sc := range snap.Streams {
		streams[name] = sc
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"streams": streams,
		"default": snap.Default,
	})
}

func (h *httpHandler) tableInfo(c echo.Context) error {
	info, err := h.delta.Info(c.Request().Context(), c.Param("table"))
	if err != nil {
		return h.deltaError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *httpHandler) tableHistory(c echo.Context) error {
	hist, err := h.delta.History(c.Request().Context(), c.Param("table"))
	if err != nil {
		return h.deltaError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"commits": hist})
}

func (h *httpHandler) vacuum(c echo.Context) error {
	var req vacuumRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	removed, err := h.delta.Vacuum(c.Request().Context(), c.Param("table"), req.RetentionHours, req.DryRun)
	if err != nil {
		return h.deltaError(c, err)
	}
	if removed == nil {
		removed = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"files":   removed,
		"dry_run": req.DryRun,
	})
}

func (h *httpHandler) restore(c echo.Context) error {
	var req restoreRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	table := c.Param("table")
	if err := h.delta.Restore(c.Request().Context(), table, req.Version); err != nil {
		return h.deltaError(c, err)
	}
	info, err := h.delta.Info(c.Request().Context(), table)
	if err != nil {
		return h.deltaError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *httpHandler) deltaError(c echo.Context, err error) error {
	return c.JSON(statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeDecode, errors.ErrorTypeUnsupportedCodec, errors.ErrorTypeConfig:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeSchemaMismatch, errors.ErrorTypeWriteConflict:
		return http.StatusConflict
	case errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// jsonSerializer plugs goccy/go-json into echo's request binding and
// response encoding.
type jsonSerializer struct{}

func (jsonSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsonSerializer) Deserialize(c echo.Context, i interface{}) error {
	err := json.NewDecoder(c.Request().Body).Decode(i)
	if ute, ok := err.(*json.UnmarshalTypeError); ok {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("unmarshal type error: expected=%v, got=%v, field=%v", ute.Type, ute.Value, ute.Field)).SetInternal(err)
	} else if se, ok := err.(*json.SyntaxError); ok {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("syntax error: offset=%v, error=%v", se.Offset, se.Error())).SetInternal(err)
	}
	return err
}

func newEcho(logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	return e
}

// requestLogger logs one line per request through zap.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID))
			return nil
		},
	})
}
