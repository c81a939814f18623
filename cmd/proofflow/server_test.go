package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/proofflow/agent"
	"github.com/BaSui01/proofflow/api"
	"github.com/BaSui01/proofflow/api/handlers"
	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/config"
	"github.com/BaSui01/proofflow/internal/metrics"
	"github.com/BaSui01/proofflow/router"
	"github.com/BaSui01/proofflow/taskdb"
)

type restFixture struct {
	queue *taskdb.MemoryQueue
	srv   *httptest.Server
}

func newRESTFixture(t *testing.T, keys ...string) *restFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	q := taskdb.NewMemoryQueue()
	store := artifact.NewMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	deps := restDeps{
		queue:     q,
		store:     store,
		submitter: agent.NewSubmitter(q, router.New(q, logger), agent.DefaultStagesConfig(), logger),
		checks: []handlers.HealthCheck{
			handlers.NewPingCheck("queue", q.Ping),
			handlers.NewPingCheck("artifacts", store.Ping),
		},
	}
	cfg := config.ServerConfig{APIKeys: keys, MaxBodyBytes: 1 << 20}
	collector := metrics.NewCollector("proofflow_rest_"+t.Name(), logger)
	limiter := NewRateLimiter(ctx, 1000, 1000)

	srv := httptest.NewServer(newRESTHandler(cfg, deps, collector, limiter, logger))
	t.Cleanup(srv.Close)
	return &restFixture{queue: q, srv: srv}
}

func TestREST_SubmitAndQuery(t *testing.T) {
	f := newRESTFixture(t, "alpha-key", "beta-key")
	ctx := context.Background()
	client := newRESTClient(f.srv.URL, "alpha-key", "", 5*time.Second)

	jobID, err := submitFiles(ctx, client, []byte("\x7fELF guest program"), []byte("input bytes"), api.SubmitJobRequest{})
	require.NoError(t, err)
	id, err := uuid.Parse(jobID)
	require.NoError(t, err)

	status, err := client.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobID, status.JobID)
	assert.Equal(t, string(taskdb.JobRunning), status.Status)
	assert.NotEmpty(t, status.Tasks, "the executor task is planned on submit")

	job, err := f.queue.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, apiKeyLabel("alpha-key"), job.UserID)

	other := newRESTClient(f.srv.URL, "beta-key", "", 5*time.Second)
	_, err = other.GetJob(ctx, jobID)
	assert.Error(t, err, "jobs are scoped to the submitting tenant")
}

func TestREST_Unauthorized(t *testing.T) {
	f := newRESTFixture(t, "alpha-key")
	ctx := context.Background()

	anon := newRESTClient(f.srv.URL, "", "", 5*time.Second)
	_, err := anon.UploadInput(ctx, []byte("input"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNAUTHORIZED")

	wrong := newRESTClient(f.srv.URL, "nope", "", 5*time.Second)
	_, err = wrong.UploadInput(ctx, []byte("input"))
	require.Error(t, err)
}

func TestREST_HealthEndpointsSkipAuth(t *testing.T) {
	f := newRESTFixture(t, "alpha-key")

	for _, path := range []string{"/health", "/healthz", "/ready", "/version"} {
		resp, err := http.Get(f.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"), path)
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"), path)
	}
}

func TestREST_ImageIDMismatch(t *testing.T) {
	f := newRESTFixture(t, "alpha-key")
	client := newRESTClient(f.srv.URL, "alpha-key", "", 5*time.Second)

	err := client.do(context.Background(), http.MethodPost, "/v1/images/"+artifact.ImageID([]byte("other")),
		"application/octet-stream", []byte("\x7fELF guest program"), nil)
	assert.Error(t, err)
}
