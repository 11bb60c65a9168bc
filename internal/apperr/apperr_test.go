package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("what_i_needed", "what_i_needed is required"), KindValidation},
		{"wrapped not found", fmt.Errorf("lookup: %w", NotFound("feedback %s not found", "x")), KindNotFound},
		{"wrap", Wrap(KindConflict, errors.New("ref exists"), "create branch"), KindConflict},
		{"plain error", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrap_NilIsNil(t *testing.T) {
	if err := Wrap(KindInternal, nil, "nothing"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestError_Message(t *testing.T) {
	err := Wrap(KindUpstreamUnavailable, errors.New("dial tcp: refused"), "read tree")
	if got := err.Error(); got != "read tree: dial tcp: refused" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, errors.Unwrap(err)) {
		t.Error("Unwrap should expose the cause")
	}
	if got := FieldOf(Validation("body", "")); got != "body" {
		t.Errorf("FieldOf() = %q, want body", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		KindValidation:          http.StatusUnprocessableEntity,
		KindNotFound:            http.StatusNotFound,
		KindAlreadyInProgress:   http.StatusConflict,
		KindConflict:            http.StatusConflict,
		KindUpstreamUnavailable: http.StatusBadGateway,
		KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}
