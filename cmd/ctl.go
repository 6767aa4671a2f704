package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// apiClient is a thin wrapper over the daemon's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{
		base: "http://" + addr,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Details != "" {
				return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Details)
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("api returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RunPreview prints the classification of pending changes.
func RunPreview(addr string) error {
	var sum struct {
		Scope      string           `json:"scope"`
		Added      []map[string]any `json:"added_peers"`
		Removed    []map[string]any `json:"removed_peers"`
		Modified   []map[string]any `json:"modified_peers"`
		ConfigDiff string           `json:"config_diff"`
		RulesDiff  string           `json:"rules_diff"`
	}
	if err := newAPIClient(addr).do(http.MethodGet, "/api/commit/preview", nil, &sum); err != nil {
		return err
	}

	fmt.Printf("Change scope: %s\n", sum.Scope)
	printPeerList("Added", sum.Added)
	printPeerList("Removed", sum.Removed)
	printPeerList("Modified", sum.Modified)
	if sum.ConfigDiff != "" {
		fmt.Printf("\nInterface config:\n%s", sum.ConfigDiff)
	}
	if sum.RulesDiff != "" {
		fmt.Printf("\nFirewall rules:\n%s", sum.RulesDiff)
	}
	return nil
}

func printPeerList(label string, peers []map[string]any) {
	if len(peers) == 0 {
		return
	}
	fmt.Printf("%s peers:\n", label)
	for _, p := range peers {
		fmt.Printf("  %v (client %v)\n", p["name"], p["client_id"])
	}
}

// RunCommit applies pending changes, optionally in safety mode.
func RunCommit(addr string, safety bool, deadline string) error {
	req := map[string]any{"safety": safety}
	if deadline != "" {
		req["deadline"] = deadline
	}
	var res struct {
		TransactionID string         `json:"transaction_id"`
		Finalized     bool           `json:"finalized"`
		Deadline      time.Time      `json:"deadline"`
		Summary       map[string]any `json:"summary"`
	}
	if err := newAPIClient(addr).do(http.MethodPost, "/api/commit", req, &res); err != nil {
		return err
	}

	scope := "unknown"
	if res.Summary != nil {
		if s, ok := res.Summary["scope"].(string); ok {
			scope = s
		}
	}
	if res.Finalized {
		fmt.Printf("Committed (%s).\n", scope)
		return nil
	}
	fmt.Printf("Applied (%s). Verify connectivity and confirm before %s:\n",
		scope, res.Deadline.Local().Format(time.TimeOnly))
	fmt.Printf("  wgsteward confirm %s\n", res.TransactionID)
	fmt.Println("Without confirmation the previous configuration is restored.")
	return nil
}

// RunConfirm finalizes a safety-mode commit.
func RunConfirm(addr, txn string) error {
	if err := newAPIClient(addr).do(http.MethodPost, "/api/commit/"+txn+"/confirm", nil, nil); err != nil {
		return err
	}
	fmt.Println("Confirmed.")
	return nil
}

// RunCancel reverts a safety-mode commit immediately.
func RunCancel(addr, txn string) error {
	if err := newAPIClient(addr).do(http.MethodPost, "/api/commit/"+txn+"/cancel", nil, nil); err != nil {
		return err
	}
	fmt.Println("Cancelled; previous configuration restored.")
	return nil
}

// RunStatus prints daemon and device state.
func RunStatus(addr string) error {
	var st struct {
		State         string     `json:"state"`
		TransactionID string     `json:"transaction_id"`
		Deadline      *time.Time `json:"deadline"`
		Applied       bool       `json:"applied"`
		AppliedPeers  int        `json:"applied_peers"`
		Device        *struct {
			Interface string `json:"interface"`
			Up        bool   `json:"up"`
			Peers     []struct {
				PublicKey string `json:"public_key"`
				Endpoint  string `json:"endpoint"`
				Active    bool   `json:"active"`
			} `json:"peers"`
		} `json:"device"`
	}
	if err := newAPIClient(addr).do(http.MethodGet, "/api/status", nil, &st); err != nil {
		return err
	}

	fmt.Printf("State: %s\n", st.State)
	if st.TransactionID != "" {
		fmt.Printf("Pending transaction: %s", st.TransactionID)
		if st.Deadline != nil {
			fmt.Printf(" (reverts at %s)", st.Deadline.Local().Format(time.TimeOnly))
		}
		fmt.Println()
	}
	if st.Applied {
		fmt.Printf("Applied: yes (%d peers)\n", st.AppliedPeers)
	} else {
		fmt.Println("Applied: no")
	}
	if st.Device != nil {
		up := "down"
		if st.Device.Up {
			up = "up"
		}
		fmt.Printf("Device: %s (%s)\n", st.Device.Interface, up)
		active := 0
		for _, p := range st.Device.Peers {
			if p.Active {
				active++
			}
		}
		fmt.Printf("Peers: %d total, %d with recent handshake\n", len(st.Device.Peers), active)
	}
	return nil
}

// RunClientConfig prints the importable config for one client.
func RunClientConfig(addr string, clientID int64) error {
	c := newAPIClient(addr)
	resp, err := c.http.Get(c.base + fmt.Sprintf("/api/clients/%d/config", clientID))
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

// RunAudit prints recent audit events, newest first.
func RunAudit(addr string, limit int) error {
	var events []struct {
		Time          time.Time `json:"time"`
		Action        string    `json:"action"`
		Resource      string    `json:"resource"`
		Detail        string    `json:"detail"`
		TransactionID string    `json:"transaction_id"`
	}
	path := fmt.Sprintf("/api/audit?limit=%d", limit)
	if err := newAPIClient(addr).do(http.MethodGet, path, nil, &events); err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No audit events recorded.")
		return nil
	}
	for _, evt := range events {
		line := fmt.Sprintf("%s  %-16s %s",
			evt.Time.Local().Format(time.DateTime), evt.Action, evt.Resource)
		if evt.Detail != "" {
			line += "  " + evt.Detail
		}
		if evt.TransactionID != "" {
			line += "  txn=" + evt.TransactionID
		}
		fmt.Println(line)
	}
	return nil
}
