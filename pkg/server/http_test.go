package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/groupchain/internal/metrics"
	"github.com/relves/groupchain/pkg/chain"
	"github.com/relves/groupchain/pkg/server"
)

func TestHandleGetHead_Success(t *testing.T) {
	m := metrics.New()
	id := newIdentity(t)
	svc := openGroupService(t, id, m)
	ctx := context.Background()

	_, err := svc.CreateGroup(ctx, groupParams("research"))
	require.NoError(t, err)
	blk, err := svc.Submit(ctx, "research", &chain.Mint{To: id.PublicKeyB64(), Amount: 7})
	require.NoError(t, err)

	handler := server.NewHTTPHandler(svc, m)

	req := httptest.NewRequest("GET", "/groups/research/head", nil)
	req.SetPathValue("groupID", "research")
	w := httptest.NewRecorder()

	handler.HandleGetHead(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "research", resp["group_id"])
	assert.Equal(t, float64(1), resp["height"])
	assert.Equal(t, blk.ID, resp["head_id"])
	assert.Len(t, resp["blocks_root"], 64)
	assert.Equal(t, float64(1), resp["members"])
}

func TestHandleGetHead_NotFound(t *testing.T) {
	svc := openGroupService(t, newIdentity(t), nil)
	handler := server.NewHTTPHandler(svc, nil)

	req := httptest.NewRequest("GET", "/groups/nonexistent/head", nil)
	req.SetPathValue("groupID", "nonexistent")
	w := httptest.NewRecorder()

	handler.HandleGetHead(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetHead_BadID(t *testing.T) {
	svc := openGroupService(t, newIdentity(t), nil)
	handler := server.NewHTTPHandler(svc, nil)

	req := httptest.NewRequest("GET", "/groups/x/head", nil)
	req.SetPathValue("groupID", "../etc")
	w := httptest.NewRecorder()

	handler.HandleGetHead(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoutes(t *testing.T) {
	m := metrics.New()
	svc := openGroupService(t, newIdentity(t), m)
	_, err := svc.CreateGroup(context.Background(), groupParams("research"))
	require.NoError(t, err)

	srv := httptest.NewServer(server.NewHTTPHandler(svc, m).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, true, health["ok"])
	assert.Equal(t, float64(1), health["groups"])

	resp, err = http.Get(srv.URL + "/groups/research/head")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `groupchain_chain_height{group="research"} 0`)
}
