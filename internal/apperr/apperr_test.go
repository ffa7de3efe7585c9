package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapClassifiesSentinelErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: bad gmid", ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: no token", ErrUnauthorized), http.StatusUnauthorized},
		{fmt.Errorf("%w: missing", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: stale cas", ErrConflict), http.StatusConflict},
		{fmt.Errorf("%w: too big", ErrPayloadTooLarge), http.StatusRequestEntityTooLarge},
		{fmt.Errorf("%w: bad ext", ErrUnsupportedMediaType), http.StatusUnsupportedMediaType},
		{fmt.Errorf("%w: slow down", ErrRateLimited), http.StatusTooManyRequests},
		{fmt.Errorf("%w: qdrant down", ErrDependency), http.StatusBadGateway},
		{errors.New("something unexpected"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		classified := Wrap(tc.err)
		if classified.HTTPStatus() != tc.status {
			t.Errorf("Wrap(%v).HTTPStatus() = %d, want %d", tc.err, classified.HTTPStatus(), tc.status)
		}
	}
}

func TestWrapPassesThroughAlreadyClassifiedError(t *testing.T) {
	original := New(KindConflict, "conflict", "stale state", nil)
	if Wrap(original) != original {
		t.Fatal("expected Wrap to return the same *Error instance unchanged")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap(nil) != nil {
		t.Fatal("expected Wrap(nil) to return nil")
	}
}

func TestErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("boom")
	classified := New(KindInternal, "internal", "internal error", cause)
	if !errors.Is(classified, cause) {
		t.Fatal("expected errors.Is to see through to the cause")
	}
}
