package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pragnya-works/edward/pkg/models"
	"github.com/pragnya-works/edward/pkg/sandbox"
)

func TestExecCommand(t *testing.T) {
	env := newTestEnv(t)
	env.states.state = &sandbox.State{SandboxID: "sb1", ChatID: "c1", ContainerID: "ctr1"}
	env.driver.result = sandbox.ExecResult{ExitCode: 0, Stdout: "App.tsx\nindex.ts\n"}

	rec := env.do(http.MethodPost, "/api/sandboxes/c1/exec", strings.NewReader(`{"command":["ls","src"]}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var body execResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.ExitCode)
	assert.Contains(t, body.Stdout, "App.tsx")
	require.Len(t, env.driver.argv, 1)
	assert.Equal(t, []string{"ls", "src"}, env.driver.argv[0])
}

func TestExecCommandNonZeroExit(t *testing.T) {
	env := newTestEnv(t)
	env.states.state = &sandbox.State{ContainerID: "ctr1"}
	env.driver.result = sandbox.ExecResult{ExitCode: 2, Stderr: "tsc: error TS2304"}

	rec := env.do(http.MethodPost, "/api/sandboxes/c1/exec", strings.NewReader(`{"command":["tsc","--noEmit"]}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var body execResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.ExitCode)
	assert.Contains(t, body.Stderr, "TS2304")
}

func TestExecCommandRejected(t *testing.T) {
	env := newTestEnv(t)
	env.states.state = &sandbox.State{ContainerID: "ctr1"}

	rec := env.do(http.MethodPost, "/api/sandboxes/c1/exec", strings.NewReader(`{"command":["sudo","reboot"]}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, env.driver.argv)
}

func TestExecCommandNoSandbox(t *testing.T) {
	env := newTestEnv(t)
	env.states.err = sandbox.ErrNotFound

	rec := env.do(http.MethodPost, "/api/sandboxes/c1/exec", strings.NewReader(`{"command":["ls"]}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecCommandEmptyBody(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/sandboxes/c1/exec", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBuildEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.builds.builds["b1"] = &models.Build{ID: "b1", ChatID: "c1", Status: models.BuildStatusSuccess, PreviewURL: "https://cdn.example/u1/c1/"}
	env.builds.latest["c1"] = env.builds.builds["b1"]

	rec := env.do(http.MethodGet, "/api/builds/b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var build models.Build
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &build))
	assert.Equal(t, models.BuildStatusSuccess, build.Status)

	rec = env.do(http.MethodGet, "/api/chats/c1/builds/latest", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/builds/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
