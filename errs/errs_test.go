package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("too many requests"), http.StatusBadRequest},
		{"unauthorized", Unauthorized("bad token"), http.StatusUnauthorized},
		{"forbidden", Forbidden("no capability"), http.StatusForbidden},
		{"not found", NotFound("missing"), http.StatusNotFound},
		{"transport", Transport("timeout"), http.StatusBadGateway},
		{"wrapped", fmt.Errorf("share: %w", Forbidden("no")), http.StatusForbidden},
		{"foreign", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	if Is(nil, KindInternal) {
		t.Error("nil error must not match any kind")
	}
	if !Is(Validation("x"), KindValidation) {
		t.Error("validation error not recognised")
	}
}
