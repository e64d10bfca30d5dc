// Package handler exposes the chat and conversation endpoints as a Lambda
// Function URL handler with response streaming.
package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-relay/internal/domain"
	"chat-relay/internal/usecase"
)

const (
	headerCorrelationID  = "X-Correlation-Id"
	headerConversationID = "X-Conversation-Id"
	headerContentType    = "Content-Type"

	contentTypeJSON = "application/json"
	contentTypeText = "text/plain; charset=utf-8"

	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

type ChatUseCase interface {
	Begin(ctx context.Context, in usecase.SendInput) (*usecase.Turn, error)
	NewConversation(ctx context.Context, id, model string) (domain.ConversationMeta, error)
}

type IndexUseCase interface {
	List(ctx context.Context) ([]domain.ConversationMeta, error)
	Create(ctx context.Context, title, model string) (domain.ConversationMeta, error)
	Update(ctx context.Context, in usecase.UpdateInput) (domain.ConversationMeta, error)
	Delete(ctx context.Context, id string) error
}

type Handler struct {
	chat   ChatUseCase
	index  IndexUseCase
	logger *slog.Logger
}

type chatRequest struct {
	Message         string `json:"message"`
	NewConversation bool   `json:"newConversation"`
	ConversationID  string `json:"conversationId"`
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoning_effort"`
}

type createRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

type updateRequest struct {
	ID    string  `json:"id"`
	Title *string `json:"title"`
	Model *string `json:"model"`
}

type idResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error          string `json:"error"`
	Reason         string `json:"reason,omitempty"`
	Message        string `json:"message,omitempty"`
	UpstreamStatus int    `json:"upstreamStatus,omitempty"`
}

func NewHandler(chat ChatUseCase, index IndexUseCase, logger *slog.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if index == nil {
		return nil, errors.New("handler: index use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{chat: chat, index: index, logger: logger.With("component", "handler")}, nil
}

// Handle routes a Function URL request. Errors are always rendered as a
// response; the returned error is reserved for runtime failures.
func (h *Handler) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	correlationID := headerValue(req.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	method := strings.ToUpper(req.RequestContext.HTTP.Method)
	path := routePath(req)
	logger := h.logger.With("correlation_id", correlationID, "method", method, "path", path)

	var resp *events.LambdaFunctionURLStreamingResponse
	switch path {
	case "/chat":
		if method != http.MethodPost {
			resp = methodNotAllowed(http.MethodPost)
			break
		}
		resp = h.handleChat(ctx, logger, req)
	case "/conversations":
		switch method {
		case http.MethodGet:
			resp = h.handleList(ctx, logger)
		case http.MethodPost:
			resp = h.handleCreate(ctx, logger, req)
		case http.MethodPatch:
			resp = h.handleUpdate(ctx, logger, req)
		case http.MethodDelete:
			resp = h.handleDelete(ctx, logger, req)
		default:
			resp = methodNotAllowed("GET, POST, PATCH, DELETE")
		}
	default:
		resp = jsonResponse(http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found"})
	}

	resp.Headers[headerCorrelationID] = correlationID
	logger.Info("request handled", "status", resp.StatusCode)
	return resp, nil
}

func (h *Handler) handleChat(ctx context.Context, logger *slog.Logger, req events.LambdaFunctionURLRequest) *events.LambdaFunctionURLStreamingResponse {
	var in chatRequest
	if err := decodeBody(req, &in); err != nil {
		return h.fail(logger, err)
	}

	if in.NewConversation {
		meta, err := h.chat.NewConversation(ctx, in.ConversationID, in.Model)
		if err != nil {
			return h.fail(logger, err)
		}
		resp := newResponse(http.StatusOK, contentTypeText, strings.NewReader("OK"))
		resp.Headers[headerConversationID] = meta.ID
		return resp
	}

	turn, err := h.chat.Begin(ctx, usecase.SendInput{
		Message:         in.Message,
		ConversationID:  in.ConversationID,
		Model:           in.Model,
		ReasoningEffort: in.ReasoningEffort,
	})
	if err != nil {
		return h.fail(logger, err)
	}

	logger = logger.With("conversation_id", turn.ConversationID(), "model", turn.Model())
	pr, pw := io.Pipe()
	go func() {
		err := turn.Stream(pw)
		if err != nil {
			logger.Warn("chat stream ended early", "state", turn.State().String(), "err", err)
			_ = pw.CloseWithError(err)
			return
		}
		logger.Info("chat stream completed", "state", turn.State().String())
		_ = pw.Close()
	}()

	resp := newResponse(http.StatusOK, contentTypeText, pr)
	resp.Headers[headerConversationID] = turn.ConversationID()
	resp.Headers["Cache-Control"] = "no-cache"
	return resp
}

func (h *Handler) handleList(ctx context.Context, logger *slog.Logger) *events.LambdaFunctionURLStreamingResponse {
	metas, err := h.index.List(ctx)
	if err != nil {
		return h.fail(logger, err)
	}
	if metas == nil {
		metas = []domain.ConversationMeta{}
	}
	return jsonResponse(http.StatusOK, metas)
}

func (h *Handler) handleCreate(ctx context.Context, logger *slog.Logger, req events.LambdaFunctionURLRequest) *events.LambdaFunctionURLStreamingResponse {
	var in createRequest
	if err := decodeBody(req, &in); err != nil {
		return h.fail(logger, err)
	}
	meta, err := h.index.Create(ctx, in.Title, in.Model)
	if err != nil {
		return h.fail(logger, err)
	}
	return jsonResponse(http.StatusOK, idResponse{ID: meta.ID})
}

func (h *Handler) handleUpdate(ctx context.Context, logger *slog.Logger, req events.LambdaFunctionURLRequest) *events.LambdaFunctionURLStreamingResponse {
	var in updateRequest
	if err := decodeBody(req, &in); err != nil {
		return h.fail(logger, err)
	}
	meta, err := h.index.Update(ctx, usecase.UpdateInput{ID: in.ID, Title: in.Title, Model: in.Model})
	if err != nil {
		return h.fail(logger, err)
	}
	return jsonResponse(http.StatusOK, meta)
}

func (h *Handler) handleDelete(ctx context.Context, logger *slog.Logger, req events.LambdaFunctionURLRequest) *events.LambdaFunctionURLStreamingResponse {
	id := strings.TrimSpace(req.QueryStringParameters["id"])
	if err := h.index.Delete(ctx, id); err != nil {
		return h.fail(logger, err)
	}
	return jsonResponse(http.StatusOK, idResponse{ID: id})
}

func (h *Handler) fail(logger *slog.Logger, err error) *events.LambdaFunctionURLStreamingResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		ucErr = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
	}
	status := statusFor(ucErr.Code)
	body := errorResponse{
		Error:   string(ucErr.Code),
		Reason:  ucErr.Reason,
		Message: ucErr.UpstreamMessage(),
	}
	if upstream, ok := ucErr.UpstreamStatus(); ok {
		body.UpstreamStatus = upstream
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "code", ucErr.Code, "reason", ucErr.Reason, "err", err)
	} else {
		logger.Warn("request rejected", "status", status, "code", ucErr.Code, "reason", ucErr.Reason)
	}
	return jsonResponse(status, body)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody strictly decodes a JSON body into v. An empty body decodes as {}.
func decodeBody(req events.LambdaFunctionURLRequest, v any) error {
	raw := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
		}
		raw = decoded
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: fmt.Errorf("handler: trailing data after JSON body")}
	}
	return nil
}

func newResponse(status int, contentType string, body io.Reader) *events.LambdaFunctionURLStreamingResponse {
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers:    map[string]string{headerContentType: contentType},
		Body:       body,
	}
}

func jsonResponse(status int, v any) *events.LambdaFunctionURLStreamingResponse {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"error":"INTERNAL_ERROR","reason":"encode_error"}`)
	}
	return newResponse(status, contentTypeJSON, bytes.NewReader(data))
}

func methodNotAllowed(allow string) *events.LambdaFunctionURLStreamingResponse {
	resp := jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: codeMethodNotAllowed, Reason: "method_not_allowed"})
	resp.Headers["Allow"] = allow
	return resp
}

func routePath(req events.LambdaFunctionURLRequest) string {
	p := req.RawPath
	if p == "" {
		p = req.RequestContext.HTTP.Path
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

var newCorrelationID = func() string {
	return uuid.NewString()
}
