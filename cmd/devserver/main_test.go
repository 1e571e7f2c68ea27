package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"socialchat/pkg/config"
	"socialchat/pkg/devserver"
)

func TestNewRouter_ServesSwaggerDoc(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := devserver.NewHandler(devserver.NewConnectionManager(), devserver.Options{MediaDir: t.TempDir()})
	router := newRouter(config.Default().Server, handler, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "/conversations/{id}/messages")
	require.Contains(t, rr.Body.String(), "socialchat dev relay")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/chat/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}
