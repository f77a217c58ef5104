package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"botfleet/internal/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// connStatus mirrors the management API's connection view.
type connStatus struct {
	AgentID      string `json:"agent_id"`
	Platform     string `json:"platform"`
	Status       string `json:"status"`
	BoundVersion int64  `json:"bound_version"`
	LastError    string `json:"last_error"`
	RetryCount   int    `json:"retry_count"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection status of a running botfleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			base := fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)
			client := &http.Client{Timeout: 5 * time.Second}

			if !healthy(client, base) {
				fmt.Printf("botfleet at %s: %s\n", base, color.RedString("offline"))
				return nil
			}
			fmt.Printf("botfleet at %s: %s\n", base, color.GreenString("up"))

			conns, err := fetchConnections(client, base, cfg.API.AuthToken)
			if err != nil {
				return err
			}
			if len(conns) == 0 {
				fmt.Println("  no connections")
				return nil
			}
			for _, c := range conns {
				fmt.Printf("  %-28s %s v%d", c.AgentID+"/"+c.Platform, colorStatus(c.Status), c.BoundVersion)
				if c.RetryCount > 0 {
					fmt.Printf("  (retry %d)", c.RetryCount)
				}
				if c.LastError != "" {
					fmt.Printf("  %s", c.LastError)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func healthy(client *http.Client, base string) bool {
	resp, err := client.Get(base + "/api/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func fetchConnections(client *http.Client, base, token string) ([]connStatus, error) {
	req, err := http.NewRequest(http.MethodGet, base+"/api/connections", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list connections: HTTP %d", resp.StatusCode)
	}
	var conns []connStatus
	if err := json.NewDecoder(resp.Body).Decode(&conns); err != nil {
		return nil, err
	}
	return conns, nil
}

// colorStatus pads before coloring so ANSI escapes do not break alignment.
func colorStatus(status string) string {
	padded := fmt.Sprintf("%-9s", status)
	switch status {
	case "running":
		return color.GreenString(padded)
	case "error":
		return color.RedString(padded)
	default:
		return color.YellowString(padded)
	}
}
