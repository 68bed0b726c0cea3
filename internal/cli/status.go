package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/pairline/pairline/internal/config"
	"github.com/pairline/pairline/internal/version"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pairline status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Pairline %s (commit %s)\n\n", version.Version, version.Commit)

			// Show paths
			fmt.Printf("Config:  %s\n", paths.Config)
			fmt.Printf("Data:    %s\n", paths.Data)
			fmt.Printf("Logs:    %s\n", paths.Logs)
			fmt.Println()

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Printf("Config:  error loading: %v\n", err)
				return nil
			}

			fmt.Printf("Gateway: port=%d bind=%s auth=%s\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode)

			storePath := cfg.Storage.Path
			if storePath == "" && cfg.Storage.Backend != "memory" {
				storePath = "(default)"
			}
			fmt.Printf("Storage: backend=%s path=%s\n", cfg.Storage.Backend, storePath)
			fmt.Printf("Chat:    historyLimit=%d\n", cfg.Chat.HistoryLimit)
			fmt.Printf("Logging: level=%s format=%s\n", cfg.Logging.Level, cfg.Logging.Format)

			// Probe the running server
			fmt.Println()
			probeServer(cfg)

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}

// probeServer hits the health endpoint of a locally running instance.
func probeServer(cfg config.Config) {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Gateway.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Println("Server:  not running")
		return
	}
	defer resp.Body.Close()

	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil || health.Status != "ok" {
		fmt.Printf("Server:  unexpected response from %s\n", url)
		return
	}
	fmt.Printf("Server:  running on port %d\n", cfg.Gateway.Port)
}
