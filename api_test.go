package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleGetOfflineConfig_RequiresSecret(t *testing.T) {
	previous := offlineConfiguration
	t.Cleanup(func() { offlineConfiguration = previous })

	offlineConfiguration = DefaultOfflineConfiguration()
	offlineConfiguration.AdminSecret = "s3cret"

	rec := httptest.NewRecorder()
	HandleGetOfflineConfig(rec, httptest.NewRequest(http.MethodGet, "/_offline/config?secret=s3cret", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/_offline/config", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	HandleGetOfflineConfig(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3cret")
}
