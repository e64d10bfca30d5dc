package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
)

const streamChunkSize = 4096

// RegisterRoutes serves the handler from a gin router for local runs.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.Any("/chat", h.ServeGin)
	r.Any("/conversations", h.ServeGin)
	r.NoRoute(h.ServeGin)
}

// ServeGin translates the request into a Function URL event and copies the
// response back, flushing after every chunk so streamed replies arrive
// incrementally. A client that goes away closes the response body, which
// aborts an in-flight turn at its next write.
func (h *Handler) ServeGin(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "INVALID_INPUT", Reason: "unreadable_body"})
		return
	}

	resp, err := h.Handle(c.Request.Context(), lambdaRequest(c, body))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "INTERNAL_ERROR", Reason: "handler_error"})
		return
	}

	for k, v := range resp.Headers {
		c.Header(k, v)
	}
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()
	if resp.Body == nil {
		return
	}
	ctx := c.Request.Context()
	if closer, ok := resp.Body.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = closer.Close() })
		defer stop()
		defer closer.Close()
	}

	buf := make([]byte, streamChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			if ctx.Err() != nil {
				h.logger.Info("client disconnected", "path", c.Request.URL.Path)
			} else if !errors.Is(err, io.EOF) {
				h.logger.Warn("response stream interrupted", "path", c.Request.URL.Path, "err", err)
			}
			return
		}
	}
}

func lambdaRequest(c *gin.Context, body []byte) events.LambdaFunctionURLRequest {
	headers := make(map[string]string, len(c.Request.Header))
	for k, v := range c.Request.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ",")
	}
	query := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	now := time.Now()
	return events.LambdaFunctionURLRequest{
		Version:               "2.0",
		RawPath:               c.Request.URL.Path,
		RawQueryString:        c.Request.URL.RawQuery,
		Headers:               headers,
		QueryStringParameters: query,
		Body:                  string(body),
		RequestContext: events.LambdaFunctionURLRequestContext{
			RequestID: newCorrelationID(),
			Time:      now.Format(time.RFC3339),
			TimeEpoch: now.UnixMilli(),
			HTTP: events.LambdaFunctionURLRequestContextHTTPDescription{
				Method:    c.Request.Method,
				Path:      c.Request.URL.Path,
				Protocol:  c.Request.Proto,
				SourceIP:  c.ClientIP(),
				UserAgent: c.Request.UserAgent(),
			},
		},
	}
}
