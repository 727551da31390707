package rpcjson

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/adapters/db/memory"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/application"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
)

func ptr(v uint) *uint { return &v }

func newServer(t *testing.T) (*Server, uint) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	st, err := store.CreateStructure(ctx, domain.Structure{Key: "pnl", Name: "Profit and loss"})
	require.NoError(t, err)
	for _, it := range []domain.LineItem{
		{ID: 1, StructureID: st.ID, Key: "cogs_root", Description: "Cost of goods sold", Rank: 10},
		{ID: 2, StructureID: st.ID, Key: "opex_root", Description: "Operating expenses", Rank: 30},
		{ID: 3, StructureID: st.ID, Key: "cogs_3", Description: "Freight", ParentID: ptr(2), Rank: 40},
	} {
		_, err := store.CreateItem(ctx, it)
		require.NoError(t, err)
	}
	logger := zaptest.NewLogger(t)
	s := &Server{service: application.NewService(store, logger, 50), logger: logger}
	return s, st.ID
}

func call(t *testing.T, s *Server, method string, params any) response {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return s.dispatch(context.Background(), request{JSONRPC: "2.0", Method: method, Params: raw, ID: 1})
}

func TestDispatchRenameAndUndo(t *testing.T) {
	s, sid := newServer(t)

	resp := call(t, s, "items.rename", map[string]any{"structure_id": sid, "key": "cogs_3", "description": "Freight in"})
	require.Nil(t, resp.Error)
	res, ok := resp.Result.(application.Result)
	require.True(t, ok)
	assert.Equal(t, "Freight in", res.Item.Description)

	resp = call(t, s, "history.undo", map[string]any{"structure_id": sid, "entry_id": res.Entry.ID})
	require.Nil(t, resp.Error)

	resp = call(t, s, "items.list", map[string]any{"structure_id": sid})
	require.Nil(t, resp.Error)
	items := resp.Result.([]domain.LineItem)
	assert.Equal(t, "Freight", items[2].Description)

	resp = call(t, s, "history.undo", map[string]any{"structure_id": sid, "entry_id": res.Entry.ID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, 40004, resp.Error.Code)
	assert.Equal(t, string(domain.KindUndoConflict), resp.Error.Kind)
}

func TestDispatchErrors(t *testing.T) {
	s, sid := newServer(t)

	resp := s.dispatch(context.Background(), request{JSONRPC: "1.0", Method: "tree.get", ID: 1})
	assert.Equal(t, -32600, resp.Error.Code)

	resp = call(t, s, "nope", map[string]any{})
	assert.Equal(t, -32601, resp.Error.Code)

	resp = call(t, s, "tree.get", map[string]any{})
	assert.Equal(t, -32602, resp.Error.Code)

	resp = call(t, s, "items.move", map[string]any{"structure_id": sid, "moved_id": 2, "target_id": 3, "intent": "inside"})
	assert.Equal(t, 40001, resp.Error.Code)

	resp = call(t, s, "tree.get", map[string]any{"structure_id": 404})
	assert.Equal(t, 40002, resp.Error.Code)
}

func TestServeOverUnixSocket(t *testing.T) {
	base, sid := newServer(t)
	path := filepath.Join(t.TempDir(), "rpc.sock")
	s, err := Start(path, base.service, base.logger)
	require.NoError(t, err)
	defer s.Close()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	require.NoError(t, enc.Encode(map[string]any{"jsonrpc": "2.0", "method": "tree.get", "params": map[string]any{"structure_id": sid}, "id": 7}))

	var resp struct {
		Result application.TreeView `json:"result"`
		Error  *rpcError            `json:"error"`
		ID     int                  `json:"id"`
	}
	require.NoError(t, dec.Decode(&resp))
	require.Nil(t, resp.Error)
	assert.Equal(t, 7, resp.ID)
	assert.Equal(t, 3, resp.Result.Count)
	require.Len(t, resp.Result.Roots, 2)
	assert.Equal(t, "opex_root", resp.Result.Roots[1].Key)
}
