package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

func structurePath(id uint) string {
	return "/api/structures/" + strconv.FormatUint(uint64(id), 10)
}

func doStructuresList(ctx context.Context, cfg cliConfig, q string, limit int, out any) error {
	if cfg.Transport == "uds" {
		return newRPCClient(cfg.Socket).call(ctx, "structures.list", map[string]any{"q": q, "limit": limit}, out)
	}
	params := url.Values{}
	if q != "" {
		params.Set("q", q)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/structures"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	return newAPIClient(cfg.Server).request(ctx, http.MethodGet, path, nil, out)
}

func doStructuresCreate(ctx context.Context, cfg cliConfig, key, name string, out any) error {
	in := map[string]any{"key": key, "name": name}
	if cfg.Transport == "uds" {
		return newRPCClient(cfg.Socket).call(ctx, "structures.create", in, out)
	}
	return newAPIClient(cfg.Server).request(ctx, http.MethodPost, "/api/structures", in, out)
}

func doStructureGet(ctx context.Context, cfg cliConfig, sid uint, out any) error {
	if cfg.Transport == "uds" {
		return newRPCClient(cfg.Socket).call(ctx, "structures.get", map[string]any{"structure_id": sid}, out)
	}
	return newAPIClient(cfg.Server).request(ctx, http.MethodGet, structurePath(sid), nil, out)
}

func doTree(ctx context.Context, cfg cliConfig, sid uint, out any) error {
	if cfg.Transport == "uds" {
		return newRPCClient(cfg.Socket).call(ctx, "tree.get", map[string]any{"structure_id": sid}, out)
	}
	return newAPIClient(cfg.Server).request(ctx, http.MethodGet, structurePath(sid)+"/tree", nil, out)
}

func doItemsList(ctx context.Context, cfg cliConfig, sid uint, out any) error {
	if cfg.Transport == "uds" {
		return newRPCClient(cfg.Socket).call(ctx, "items.list", map[string]any{"structure_id": sid}, out)
	}
	return newAPIClient(cfg.Server).request(ctx, http.MethodGet, structurePath(sid)+"/items", nil, out)
}

func doItemsCreate(ctx context.Context, cfg cliConfig, sid uint, in map[string]any, out any) error {
	if cfg.Transport == "uds" {
		params := map[string]any{"structure_id": sid}
		for k, v := range in {
			params[k] = v
		}
		return newRPCClient(cfg.Socket).call(ctx, "items.create", params, out)
	}
	return newAPIClient(cfg.Server).request(ctx, http.MethodPost, structurePath(sid)+"/items", in, out)
}

func doItemsRename(ctx context.Context, cfg cliConfig, sid uint, key, description string, out any) error {
	if cfg.Transport == "uds" {
		return newRPCClient(cfg.Socket).call(ctx, "items.rename", map[string]any{"structure_id": sid, "key": key, "description": description}, out)
	}
	return newAPIClient(cfg.Server).request(ctx, http.MethodPost, structurePath(sid)+"/items/rename", map[string]any{"key": key, "description": description}, out)
}

func doItemsMove(ctx context.Context, cfg cliConfig, sid, movedID, targetID uint, intent string, out any) error {
	in := map[string]any{"moved_id": movedID, "target_id": targetID, "intent": intent}
	if cfg.Transport == "uds" {
		in["structure_id"] = sid
		return newRPCClient(cfg.Socket).call(ctx, "items.move", in, out)
	}
	return newAPIClient(cfg.Server).request(ctx, http.MethodPost, structurePath(sid)+"/items/move", in, out)
}

func doItemsDelete(ctx context.Context, cfg cliConfig, sid, itemID uint, out any) error {
	if cfg.Transport == "uds" {
		return newRPCClient(cfg.Socket).call(ctx, "items.delete", map[string]any{"structure_id": sid, "item_id": itemID}, out)
	}
	path := fmt.Sprintf("%s/items/%d", structurePath(sid), itemID)
	return newAPIClient(cfg.Server).request(ctx, http.MethodDelete, path, nil, out)
}

func doHistoryList(ctx context.Context, cfg cliConfig, sid uint, limit int, all bool, out any) error {
	if cfg.Transport == "uds" {
		return newRPCClient(cfg.Socket).call(ctx, "history.list", map[string]any{"structure_id": sid, "limit": limit, "all": all}, out)
	}
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if all {
		params.Set("all", "true")
	}
	path := structurePath(sid) + "/history"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	return newAPIClient(cfg.Server).request(ctx, http.MethodGet, path, nil, out)
}

func doHistoryUndo(ctx context.Context, cfg cliConfig, sid, entryID uint, out any) error {
	if cfg.Transport == "uds" {
		return newRPCClient(cfg.Socket).call(ctx, "history.undo", map[string]any{"structure_id": sid, "entry_id": entryID}, out)
	}
	path := fmt.Sprintf("%s/history/%d/undo", structurePath(sid), entryID)
	return newAPIClient(cfg.Server).request(ctx, http.MethodPost, path, nil, out)
}

func doStatus(ctx context.Context, cfg cliConfig, sid uint, out any) error {
	if cfg.Transport == "uds" {
		return newRPCClient(cfg.Socket).call(ctx, "status.get", map[string]any{"structure_id": sid}, out)
	}
	return newAPIClient(cfg.Server).request(ctx, http.MethodGet, structurePath(sid)+"/status", nil, out)
}

func doRefresh(ctx context.Context, cfg cliConfig, sid uint, out any) error {
	if cfg.Transport == "uds" {
		return newRPCClient(cfg.Socket).call(ctx, "structure.refresh", map[string]any{"structure_id": sid}, out)
	}
	return newAPIClient(cfg.Server).request(ctx, http.MethodPost, structurePath(sid)+"/refresh", nil, out)
}
