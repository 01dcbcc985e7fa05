package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"lead-relay/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20

	// errorReply is the only failure text callers ever see.
	errorReply   = "Sorry, there was an error processing your request."
	runningReply = "Server is running!"
)

// ChatUseCase is the conversation gateway the endpoints drive.
type ChatUseCase interface {
	StartConversation(ctx context.Context) (usecase.StartOutput, error)
	SubmitTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
}

type Options struct {
	// StaticDir, when set, is served at "/" in place of the liveness text.
	StaticDir   string
	CORSOrigins []string
}

type Handler struct {
	uc     ChatUseCase
	logger *slog.Logger
	opts   Options
}

type turnRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"threadId"`
}

type turnResponse struct {
	Reply    string `json:"reply"`
	ThreadID string `json:"threadId"`
}

type startResponse struct {
	ThreadID string `json:"threadId"`
	Greeting string `json:"greeting,omitempty"`
}

type errorResponse struct {
	Reply string `json:"reply"`
}

// result is a transport-neutral endpoint outcome.
type result struct {
	status int
	body   any
}

func NewHandler(uc ChatUseCase, logger *slog.Logger, opts Options) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Handler{uc: uc, logger: logger, opts: opts}, nil
}

// Routes builds the router used by the long-running server.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", correlationHeader},
		ExposedHeaders: []string{correlationHeader},
		MaxAge:         300,
	}))

	r.Get("/health", h.serveHealth)
	r.Post("/start", h.serveStart)
	r.Post("/webhook", h.serveWebhook)
	if h.opts.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(h.opts.StaticDir)))
	} else {
		r.Get("/", h.serveRoot)
	}
	return r
}

func (h *Handler) serveRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, runningReply)
}

func (h *Handler) serveHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, "", result{status: http.StatusOK, body: map[string]string{"status": "ok"}})
}

func (h *Handler) serveStart(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationFromHTTP(r.Header)
	writeJSON(w, correlationID, h.start(r.Context(), correlationID))
}

func (h *Handler) serveWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationFromHTTP(r.Header)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("request body rejected", "correlation_id", correlationID, "error", err)
		writeJSON(w, correlationID, result{status: http.StatusBadRequest, body: errorResponse{Reply: errorReply}})
		return
	}
	writeJSON(w, correlationID, h.webhook(r.Context(), body, correlationID))
}

// Handle is the API Gateway entrypoint used in Lambda mode.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := correlationFromEvent(event.Headers)

	path := strings.TrimRight(event.Path, "/")
	if path == "" {
		path = "/"
	}
	var res result
	switch {
	case event.HTTPMethod == http.MethodOptions:
		res = result{status: http.StatusNoContent}
	case event.HTTPMethod == http.MethodGet && path == "/":
		return h.lambdaResponse(event, correlationID, http.StatusOK, "text/plain; charset=utf-8", runningReply), nil
	case event.HTTPMethod == http.MethodGet && path == "/health":
		res = result{status: http.StatusOK, body: map[string]string{"status": "ok"}}
	case event.HTTPMethod == http.MethodPost && path == "/start":
		res = h.start(ctx, correlationID)
	case event.HTTPMethod == http.MethodPost && path == "/webhook":
		body := []byte(event.Body)
		if event.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(event.Body)
			if err != nil {
				h.logger.Warn("invalid base64 body", "correlation_id", correlationID, "error", err)
				res = result{status: http.StatusBadRequest, body: errorResponse{Reply: errorReply}}
				break
			}
			body = decoded
		}
		res = h.webhook(ctx, body, correlationID)
	default:
		res = result{status: http.StatusNotFound, body: map[string]string{"error": "not found"}}
	}

	payload := ""
	if res.body != nil {
		buf, err := json.Marshal(res.body)
		if err != nil {
			h.logger.Error("failed to encode response", "correlation_id", correlationID, "error", err)
			res.status = http.StatusInternalServerError
			buf = []byte(`{"reply":"` + errorReply + `"}`)
		}
		payload = string(buf)
	}
	return h.lambdaResponse(event, correlationID, res.status, "application/json", payload), nil
}

func (h *Handler) start(ctx context.Context, correlationID string) result {
	out, err := h.uc.StartConversation(ctx)
	if err != nil {
		return h.failure(correlationID, "start", err)
	}
	h.logger.Info("conversation started", "correlation_id", correlationID, "thread_id", out.ThreadID)
	return result{status: http.StatusOK, body: startResponse{ThreadID: out.ThreadID, Greeting: out.Greeting}}
}

func (h *Handler) webhook(ctx context.Context, body []byte, correlationID string) result {
	var req turnRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Warn("invalid request body", "correlation_id", correlationID, "error", err)
		return result{status: http.StatusBadRequest, body: errorResponse{Reply: errorReply}}
	}

	out, err := h.uc.SubmitTurn(ctx, usecase.TurnInput{Message: req.Message, ThreadID: req.ThreadID})
	if err != nil {
		return h.failure(correlationID, "webhook", err)
	}
	return result{status: http.StatusOK, body: turnResponse{Reply: out.Reply, ThreadID: out.ThreadID}}
}

// failure logs the cause and returns the fixed reply; nothing about err
// reaches the caller.
func (h *Handler) failure(correlationID, endpoint string, err error) result {
	attrs := []any{"correlation_id", correlationID, "endpoint", endpoint, "code", usecase.CodeOf(err), "error", err}
	var ue *usecase.Error
	if errors.As(err, &ue) {
		attrs = append(attrs, "reason", ue.Reason)
	}

	status := statusFor(usecase.CodeOf(err))
	if status < http.StatusInternalServerError {
		h.logger.Warn("request rejected", attrs...)
	} else {
		h.logger.Error("request failed", attrs...)
	}
	return result{status: status, body: errorResponse{Reply: errorReply}}
}

func statusFor(code usecase.ErrorCode) int {
	if code == usecase.ErrorInvalidInput {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) lambdaResponse(event events.APIGatewayProxyRequest, correlationID string, status int, contentType, body string) events.APIGatewayProxyResponse {
	headers := map[string]string{
		"Content-Type":    contentType,
		correlationHeader: correlationID,
	}
	if origin := h.allowedOrigin(headerValue(event.Headers, "Origin")); origin != "" {
		headers["Access-Control-Allow-Origin"] = origin
		headers["Access-Control-Allow-Headers"] = "Content-Type, " + correlationHeader
		headers["Access-Control-Allow-Methods"] = "GET, POST, OPTIONS"
		headers["Access-Control-Expose-Headers"] = correlationHeader
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: body}
}

func (h *Handler) allowedOrigin(origin string) string {
	for _, allowed := range h.opts.CORSOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, correlationID string, res result) {
	w.Header().Set("Content-Type", "application/json")
	if correlationID != "" {
		w.Header().Set(correlationHeader, correlationID)
	}
	w.WriteHeader(res.status)
	if res.body != nil {
		_ = json.NewEncoder(w).Encode(res.body)
	}
}

func correlationFromHTTP(header http.Header) string {
	if id := strings.TrimSpace(header.Get(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func correlationFromEvent(headers map[string]string) string {
	if id := strings.TrimSpace(headerValue(headers, correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

// headerValue looks a header up case-insensitively; API Gateway does not
// normalise header names.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
