package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/martinbuergi/summit-portal-claude/pkg/errors"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20

// Envelope mirrors the {success, data, error} body returned by every portal
// backend endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *EnvelopeError  `json:"error,omitempty"`
}

// EnvelopeError is the error member of an Envelope.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeEnvelope reads and closes resp.Body, then either unmarshals the
// envelope's data into out (out may be nil) or returns a typed AppError.
// Transport status and payload status are coupled: a 2xx response whose
// envelope does not carry success=true is a failure.
func DecodeEnvelope(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return apperrors.Network(fmt.Errorf("read response body (status %d): %w", resp.StatusCode, err))
	}

	var env Envelope
	parseErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code, message := "", http.StatusText(resp.StatusCode)
		if parseErr == nil && env.Error != nil {
			code, message = env.Error.Code, env.Error.Message
		}
		return mapStatusError(resp.StatusCode, code, message)
	}

	if parseErr != nil {
		return apperrors.Server(resp.StatusCode, "MALFORMED_RESPONSE",
			fmt.Sprintf("response body is not an envelope: %v", parseErr))
	}

	if !env.Success {
		code, message := "REQUEST_FAILED", "request failed"
		if env.Error != nil {
			if env.Error.Code != "" {
				code = env.Error.Code
			}
			if env.Error.Message != "" {
				message = env.Error.Message
			}
		}
		return apperrors.Server(resp.StatusCode, code, message)
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return apperrors.Server(resp.StatusCode, "MALFORMED_RESPONSE",
				fmt.Sprintf("decode response data: %v", err))
		}
	}

	return nil
}

// mapStatusError translates a non-2xx status and envelope error into the
// client failure taxonomy, preserving the server's code when present.
func mapStatusError(status int, code, message string) error {
	switch {
	case status == http.StatusUnauthorized:
		if code == "" {
			code = "AUTH_REQUIRED"
		}
		return &apperrors.AppError{
			Code:    code,
			Message: message,
			Status:  status,
			Err:     apperrors.ErrAuthRequired,
		}
	case status >= 400 && status < 500:
		return apperrors.Validation(status, code, message)
	default:
		return apperrors.Server(status, code, message)
	}
}
