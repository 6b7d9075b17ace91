package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vitalis-health/vitalis/internal/daemon"
)

// client is the thin HTTP wrapper the subcommands share. Session runs are
// synchronous on the daemon side, so the timeout has to cover a full
// pipeline pass, not just a round trip.
var client = &http.Client{Timeout: 10 * time.Minute}

// baseURL resolves the daemon address from --addr or the config file.
func baseURL() string {
	if apiAddr != "" {
		return "http://" + apiAddr
	}
	cfg, err := daemon.LoadConfig()
	if err != nil {
		cfg = daemon.DefaultConfig()
	}
	return fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)
}

// apiGet fetches path and decodes the JSON body into out.
func apiGet(path string, out interface{}) error {
	resp, err := client.Get(baseURL() + path)
	if err != nil {
		return fmt.Errorf("is the daemon running? (vitalis serve): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiPost sends in as JSON and decodes the response into out (out may be nil).
func apiPost(path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := client.Post(baseURL()+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("is the daemon running? (vitalis serve): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiError turns a non-2xx response into a readable error.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s", body.Error)
	}
	return fmt.Errorf("daemon returned %s", resp.Status)
}
