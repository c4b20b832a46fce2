package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"realtime-chat/internal/errs"
	"realtime-chat/internal/mocks"
	"realtime-chat/internal/models"
)

func setupRouter(verifier *mocks.VerifierMock) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthMiddleware(verifier), func(c *gin.Context) {
		identity, ok := Identity(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, identity)
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	verifier := &mocks.VerifierMock{}
	verifier.On("Verify", mock.Anything, "good").Return(models.Identity{ID: "u-1", Name: "Alice"}, nil)
	verifier.On("Verify", mock.Anything, "bad").Return(nil, errs.ErrUnauthenticated)
	verifier.On("Verify", mock.Anything, "down").Return(nil, errors.Join(errs.ErrUnavailable, errors.New("dial")))
	router := setupRouter(verifier)

	cases := []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Token good", http.StatusUnauthorized},
		{"Bearer bad", http.StatusUnauthorized},
		{"Bearer down", http.StatusServiceUnavailable},
		{"Bearer good", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, tc.status, w.Code, tc.header)
		if tc.status == http.StatusOK {
			assert.JSONEq(t, `{"id":"u-1","name":"Alice"}`, w.Body.String())
		}
	}
}
