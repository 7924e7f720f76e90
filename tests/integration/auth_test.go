//go:build integration

package integration

import (
	"net/http"
	"testing"

	"github.com/lumera-app/beacon/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceAuth(t *testing.T) {
	t.Run("missing credentials rejected", func(t *testing.T) {
		client := testutil.NewClient(testServer.URL)

		resp, err := client.POST("/internal/v1/notifications/enqueue", nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		client := testutil.NewClient(testServer.URL).WithToken("not-the-secret")

		resp, err := client.POST("/internal/v1/notifications/dispatch", nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("valid secret accepted", func(t *testing.T) {
		resetTables(t)

		resp, err := newTestClient().POST("/internal/v1/notifications/enqueue", nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("health endpoints stay public", func(t *testing.T) {
		client := testutil.NewClient(testServer.URL)

		resp, err := client.GET("/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = client.GET("/readyz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = client.GET("/version")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
