package response

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func TestErrorHidesDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/exec", nil)

	id := InternalError(c, errors.New("secret detail"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body must be empty, got %q", rec.Body.String())
	}
	got, err := uuid.Parse(rec.Header().Get(ErrorIDHeader))
	if err != nil || got != id {
		t.Fatalf("Error-UUID header = %q, want %s", rec.Header().Get(ErrorIDHeader), id)
	}
}

func TestSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	Success(c, map[string]string{"id": "x"})
	if rec.Code != http.StatusOK || rec.Body.String() != `{"id":"x"}` {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}
