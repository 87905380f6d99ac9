// Package api is the authenticated request pipeline used for every backend
// call other than the auth endpoints themselves.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/martinbuergi/summit-portal-claude/pkg/errors"
	"github.com/martinbuergi/summit-portal-claude/pkg/httpclient"
	"github.com/martinbuergi/summit-portal-claude/pkg/logger"
	"github.com/martinbuergi/summit-portal-claude/pkg/middleware"
)

const tracerName = "github.com/martinbuergi/summit-portal-claude/internal/api"

// TokenSource supplies the bearer token and renews it after a 401.
// *session.Manager implements it.
type TokenSource interface {
	Token() string
	RefreshFrom(ctx context.Context, staleToken string) error
}

// Client sends requests to the portal backend with the current session
// token. A 401 on a request that carried a token triggers one refresh and
// one retry; nothing else is retried here.
type Client struct {
	baseURL string
	doer    httpclient.Doer
	tokens  TokenSource
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewClient creates a pipeline for the backend at baseURL.
func NewClient(baseURL string, doer httpclient.Doer, tokens TokenSource, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		doer:    doer,
		tokens:  tokens,
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
	}
}

// Get sends a GET with optional query parameters.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.Send(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Send(ctx, http.MethodPost, path, body, out)
}

func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.Send(ctx, http.MethodPut, path, body, out)
}

func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.Send(ctx, http.MethodPatch, path, body, out)
}

func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Send(ctx, http.MethodDelete, path, nil, out)
}

// Send issues method path with body encoded as JSON and decodes the
// envelope's data into out. Failures are *errors.AppError values.
func (c *Client) Send(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
	}

	token := c.tokens.Token()
	err := c.attempt(ctx, method, path, payload, token, out)
	if !unauthorized(err) {
		return err
	}
	if token == "" {
		return authRequired(err, nil)
	}

	authRetries.Inc()
	if rerr := c.tokens.RefreshFrom(ctx, token); rerr != nil {
		if errors.Is(rerr, context.Canceled) || errors.Is(rerr, context.DeadlineExceeded) {
			return apperrors.Network(rerr)
		}
		return authRequired(err, rerr)
	}

	retryToken := c.tokens.Token()
	if retryToken == "" {
		return authRequired(err, nil)
	}

	// Second and final attempt.
	err = c.attempt(ctx, method, path, payload, retryToken, out)
	if unauthorized(err) {
		return authRequired(err, nil)
	}
	return err
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, token string, out any) (err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, method+" "+routeOf(path),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", c.baseURL+path),
			attribute.Bool("portal.authenticated", token != ""),
		),
	)
	defer func() {
		code := "OK"
		if err != nil {
			code = apperrors.Code(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, code)
		}
		requestsTotal.WithLabelValues(method, routeOf(path), code).Inc()
		requestDuration.WithLabelValues(method, routeOf(path)).Observe(time.Since(start).Seconds())
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	correlationID := logger.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	req.Header.Set(middleware.CorrelationHeader, correlationID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		logger.WithContext(ctx, c.logger).DebugContext(ctx, "backend request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return apperrors.Network(err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	return httpclient.DecodeEnvelope(resp, out)
}

func unauthorized(err error) bool {
	var appErr *apperrors.AppError
	return errors.As(err, &appErr) && appErr.Status == http.StatusUnauthorized
}

// authRequired normalizes a terminal 401 to AUTH_REQUIRED, keeping the
// server's message and the refresh failure, if any, as the cause.
func authRequired(rejected, refreshErr error) error {
	message := "authentication required"
	var appErr *apperrors.AppError
	if errors.As(rejected, &appErr) && appErr.Message != "" {
		message = appErr.Message
	}
	out := apperrors.AuthRequired(message)
	if refreshErr != nil {
		out.Message = "session expired"
		out.Err = errors.Join(apperrors.ErrAuthRequired, refreshErr)
	}
	return out
}

// routeOf strips the query string so metric labels stay bounded.
func routeOf(path string) string {
	route, _, _ := strings.Cut(path, "?")
	return route
}
