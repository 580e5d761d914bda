package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-fix/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func handle(method string, data interface{}, err error) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "/", nil)
	Handle(c, data, err)
	return w
}

func TestHandleMapsDomainErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", fmt.Errorf("%w: A", types.ErrOrderNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"execution not found", types.ErrExecutionNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"duplicate", types.ErrDuplicateOrderID, http.StatusConflict, ErrCodeDuplicateResource},
		{"missing price", types.ErrMissingPrice, http.StatusBadRequest, ErrCodeValidationFailed},
		{"invalid", fmt.Errorf("%w: quantity", types.ErrInvalidRequest), http.StatusBadRequest, ErrCodeValidationFailed},
		{"no session", types.ErrNoActiveSession, http.StatusServiceUnavailable, ErrCodeNoSession},
		{"overfill", types.ErrOverfill, http.StatusUnprocessableEntity, ErrCodeReconcileFailed},
		{"non monotonic", types.ErrNonMonotonicFill, http.StatusUnprocessableEntity, ErrCodeReconcileFailed},
		{"other", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := handle("GET", nil, tt.err)
			assert.Equal(t, tt.status, w.Code)

			var body Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.False(t, body.Success)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestSuccessStatusByMethod(t *testing.T) {
	assert.Equal(t, http.StatusOK, handle("GET", "ok", nil).Code)
	assert.Equal(t, http.StatusCreated, handle("POST", "ok", nil).Code)
}
