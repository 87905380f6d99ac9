package httpclient

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/martinbuergi/summit-portal-claude/pkg/errors"
)

// makeResponse creates an *http.Response with the given status code and body string.
func makeResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func envelopeError(code, message string) string {
	return `{"success":false,"error":{"code":"` + code + `","message":"` + message + `"}}`
}

func TestDecodeEnvelope_SuccessUnwrapsData(t *testing.T) {
	resp := makeResponse(http.StatusOK, `{"success":true,"data":{"sessionToken":"tok","expiresAt":"2026-10-15T10:00:00Z"}}`)

	var out struct {
		SessionToken string `json:"sessionToken"`
	}
	err := DecodeEnvelope(resp, &out)

	require.NoError(t, err)
	assert.Equal(t, "tok", out.SessionToken)
}

func TestDecodeEnvelope_SuccessNilOut(t *testing.T) {
	resp := makeResponse(http.StatusCreated, `{"success":true,"data":{"activity":{"id":"a1"}}}`)
	assert.NoError(t, DecodeEnvelope(resp, nil))
}

func TestDecodeEnvelope_200WithoutSuccessMarker(t *testing.T) {
	resp := makeResponse(http.StatusOK, `{"data":{"ok":true}}`)
	err := DecodeEnvelope(resp, nil)

	require.Error(t, err)
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "REQUEST_FAILED", appErr.Code)
	assert.Equal(t, http.StatusOK, appErr.Status)
	assert.True(t, errors.Is(err, apperrors.ErrServer))
}

func TestDecodeEnvelope_200WithErrorBody(t *testing.T) {
	resp := makeResponse(http.StatusOK, envelopeError("QUOTA", "too many activities"))
	err := DecodeEnvelope(resp, nil)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "QUOTA", appErr.Code)
	assert.Equal(t, "too many activities", appErr.Message)
}

func TestDecodeEnvelope_MalformedBody(t *testing.T) {
	resp := makeResponse(http.StatusOK, `<html>gateway</html>`)
	err := DecodeEnvelope(resp, nil)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "MALFORMED_RESPONSE", appErr.Code)
}

func TestDecodeEnvelope_DataTypeMismatch(t *testing.T) {
	resp := makeResponse(http.StatusOK, `{"success":true,"data":"not-an-object"}`)

	var out struct{ ID string }
	err := DecodeEnvelope(resp, &out)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "MALFORMED_RESPONSE", appErr.Code)
}

func TestDecodeEnvelope_Unauthorized(t *testing.T) {
	resp := makeResponse(http.StatusUnauthorized, envelopeError("INVALID_TOKEN", "Invalid or expired token"))
	err := DecodeEnvelope(resp, nil)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "INVALID_TOKEN", appErr.Code)
	assert.Equal(t, http.StatusUnauthorized, appErr.Status)
	assert.True(t, errors.Is(err, apperrors.ErrAuthRequired))
}

func TestDecodeEnvelope_UnauthorizedWithoutBody(t *testing.T) {
	err := DecodeEnvelope(makeResponse(http.StatusUnauthorized, ``), nil)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "AUTH_REQUIRED", appErr.Code)
	assert.Equal(t, "Unauthorized", appErr.Message)
}

func TestDecodeEnvelope_BadRequestIsValidation(t *testing.T) {
	resp := makeResponse(http.StatusBadRequest, envelopeError("INVALID_REQUEST", "Activity type is required"))
	err := DecodeEnvelope(resp, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	assert.False(t, apperrors.Retryable(err))
	assert.Equal(t, http.StatusBadRequest, apperrors.HTTPStatus(err))
}

func TestDecodeEnvelope_ServerErrorIsRetryable(t *testing.T) {
	resp := makeResponse(http.StatusInternalServerError, envelopeError("INTERNAL_ERROR", "Failed to track activity"))
	err := DecodeEnvelope(resp, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrServer))
	assert.True(t, apperrors.Retryable(err))
	assert.Equal(t, "INTERNAL_ERROR", apperrors.Code(err))
}

func TestDecodeEnvelope_ServerErrorUnstructured(t *testing.T) {
	err := DecodeEnvelope(makeResponse(http.StatusBadGateway, `upstream timeout`), nil)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "SERVER_ERROR", appErr.Code)
	assert.Equal(t, http.StatusBadGateway, appErr.Status)
}
