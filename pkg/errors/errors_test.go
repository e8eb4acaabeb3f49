package errors

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAsFindsWrappedAppError(t *testing.T) {
	err := fmt.Errorf("control: %w", NotFound("relay not found"))
	appErr, ok := As(err)
	if !ok {
		t.Fatalf("expected AppError in chain")
	}
	if appErr.Code != http.StatusNotFound || appErr.Kind != KindNotFound {
		t.Fatalf("unexpected error: %+v", appErr)
	}
	if !Is(err, KindNotFound) || Is(err, KindValidation) {
		t.Fatalf("Is mismatch for %v", err)
	}
}

func TestTransportUnwraps(t *testing.T) {
	cause := io.ErrClosedPipe
	err := Transport("publish failed", cause)
	if err.Unwrap() != cause {
		t.Fatalf("expected cause to unwrap")
	}
	if err.Error() != "publish failed: "+cause.Error() {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestWriteError(t *testing.T) {
	cases := []struct {
		err  error
		code int
		msg  string
	}{
		{Validation("invalid action"), http.StatusBadRequest, "invalid action"},
		{Unauthorized("not logged in"), http.StatusUnauthorized, "not logged in"},
		{Conflict("username taken"), http.StatusConflict, "username taken"},
		{io.EOF, http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, tc.err)
		if rec.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["error"] != tc.msg {
			t.Fatalf("expected message %q, got %v", tc.msg, body["error"])
		}
	}
}
