package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piiguard/internal/config"
	"piiguard/internal/models"
	"piiguard/internal/notify"
)

func TestEventsStreamDeliversJobUpdate(t *testing.T) {
	hub := notify.NewHub(4, zerolog.Nop())
	s := New(config.Config{DefaultPageSize: 20, MaxPageSize: 100}, &stubEngine{}, hub, nil, zerolog.Nop())

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "u-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Wait for the subscription to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotZero(t, hub.Len())

	hub.Publish(ctx, notify.JobUpdate(models.Job{
		ID: "j-1", DatasetID: "d-1", Status: models.StatusCompleted, CreatedBy: "u-1",
	}))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			break
		}
		lines = append(lines, line)
	}

	require.Len(t, lines, 2)
	assert.Equal(t, "event: job_update", lines[0])
	assert.Contains(t, lines[1], `"job_id":"j-1"`)
	assert.Contains(t, lines[1], `"status":"COMPLETED"`)
}
