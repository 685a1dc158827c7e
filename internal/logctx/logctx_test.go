package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With(slog.String("component", "test"))

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "req-1", Method: "GET", Path: "/api"})
	ctx = WithAuthData(ctx, &AuthData{UserID: "testuser", TenantID: "t1", Guest: true})
	log.InfoContext(ctx, "auth.ok")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "test", rec["component"])

	req, ok := rec["req"].(map[string]any)
	require.True(t, ok, "req group missing: %s", buf.String())
	assert.Equal(t, "req-1", req["id"])
	assert.Equal(t, "/api", req["path"])

	authData, ok := rec["auth"].(map[string]any)
	require.True(t, ok, "auth group missing: %s", buf.String())
	assert.Equal(t, "testuser", authData["user_id"])
	assert.Equal(t, true, authData["guest"])
}

func TestHandlerWithoutContextData(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	log.InfoContext(context.Background(), "plain")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.NotContains(t, rec, "req")
	assert.NotContains(t, rec, "auth")

	_, ok := RequestDataFrom(context.Background())
	assert.False(t, ok)
}

func TestWrapIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	h := Wrap(Wrap(slog.NewJSONHandler(&buf, nil)))
	_, nested := h.(Handler).Handler.(Handler)
	assert.False(t, nested)

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "req-1"})
	slog.New(h).InfoContext(ctx, "once")
	assert.Equal(t, 1, strings.Count(buf.String(), `"req"`))
}
