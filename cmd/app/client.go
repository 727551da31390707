package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultServer = "http://127.0.0.1:8080"
	defaultSocket = "/tmp/reportlines.sock"
)

// cliConfig is the remote CLI's saved connection settings. Transport is
// "uds" (JSON-RPC over the unix socket) or "http".
type cliConfig struct {
	Transport string `mapstructure:"transport" json:"transport"`
	Server    string `mapstructure:"server" json:"server"`
	Socket    string `mapstructure:"socket" json:"socket"`
	Structure uint   `mapstructure:"structure" json:"structure,omitempty"`
}

// remoteError is a failed call as reported by the server over either
// transport. Code is the HTTP status or the JSON-RPC error code.
type remoteError struct {
	Transport string
	Code      int
	Kind      string
	Message   string
}

func (e *remoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s error (%d %s): %s", e.Transport, e.Code, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s error (%d): %s", e.Transport, e.Code, e.Message)
}

// exitCode picks the process status for a failed command so scripts can
// tell a refused operation from a broken connection.
func exitCode(err error) int {
	var re *remoteError
	if !errors.As(err, &re) {
		return 1
	}
	switch re.Kind {
	case "validation", "invariant":
		return 2
	case "not_found":
		return 3
	case "conflict", "undo_conflict":
		return 4
	case "busy":
		return 5
	}
	return 1
}

type apiClient struct {
	httpClient *http.Client
	server     string
}

func newAPIClient(server string) *apiClient {
	return &apiClient{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		server:     strings.TrimRight(server, "/"),
	}
}

func (c *apiClient) request(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	re := &remoteError{Transport: "api", Code: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal(payload, &body) == nil && body.Error != "" {
		re.Message, re.Kind = body.Error, body.Kind
		return re
	}
	re.Message = strings.TrimSpace(string(payload))
	if re.Message == "" {
		re.Message = http.StatusText(resp.StatusCode)
	}
	return re
}

func configPath() (string, error) {
	if p := os.Getenv("REPORTLINES_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".reportlines", "config.json"), nil
}

func cliViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("transport", "uds")
	v.SetDefault("server", defaultServer)
	v.SetDefault("socket", defaultSocket)
	v.SetDefault("structure", 0)
	v.SetEnvPrefix("REPORTLINES")
	v.AutomaticEnv()
	return v
}

// loadConfig reads the saved settings, if any. REPORTLINES_TRANSPORT,
// REPORTLINES_SERVER, REPORTLINES_SOCKET and REPORTLINES_STRUCTURE override
// the file.
func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	v := cliViper()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if _, statErr := os.Stat(path); statErr == nil {
		if err := v.ReadInConfig(); err != nil {
			return cliConfig{}, fmt.Errorf("read %s: %w", path, err)
		}
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return cliConfig{}, statErr
	}

	var cfg cliConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return cliConfig{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if cfg.Transport != "uds" && cfg.Transport != "http" {
		return cliConfig{}, fmt.Errorf("transport must be uds or http, got %q", cfg.Transport)
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	v := viper.New()
	v.Set("transport", cfg.Transport)
	v.Set("server", cfg.Server)
	v.Set("socket", cfg.Socket)
	v.Set("structure", cfg.Structure)
	v.SetConfigType("json")
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}
