// Package main implements the migrate-tenant CLI for driving embedding
// migrations against a running ragd server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the ragd HTTP server
	serverURL string
	// tenantID scopes every request
	tenantID string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "migrate-tenant",
	Short: "CLI for ragd embedding migrations",
	Long: `migrate-tenant drives per-tenant embedding migrations on a ragd server:
start a migration to a new embedding configuration, watch its progress,
and cancel it if needed.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9180", "ragd server URL")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "tenant ID (required)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(watchCmd)
}

// startCmd starts a migration to a new embedding configuration
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a migration to a new embedding configuration",
	Long: `Start re-embedding the tenant's corpus with a new configuration.

The server processes the corpus in batches in the background; the tenant's
active configuration switches only after every chunk and transcript is
converted.

Examples:
  migrate-tenant --tenant acme start --provider remote --model text-embedding-3-small --dimension 1536`,
	RunE: runStart,
}

var (
	startProvider  string
	startModel     string
	startDimension int
)

func init() {
	startCmd.Flags().StringVar(&startProvider, "provider", "", "target embedding provider (remote or local)")
	startCmd.Flags().StringVar(&startModel, "model", "", "target embedding model")
	startCmd.Flags().IntVar(&startDimension, "dimension", 0, "target embedding dimension")
	startCmd.MarkFlagRequired("provider")  //nolint:errcheck
	startCmd.MarkFlagRequired("model")     //nolint:errcheck
	startCmd.MarkFlagRequired("dimension") //nolint:errcheck
}

// statusCmd shows a migration job's progress
var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a migration job's state and progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// cancelCmd cancels a live migration
var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a live migration, retaining its progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

// watchCmd polls a job until it reaches a terminal state
var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Poll a migration job until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

type jobBody struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Error     string `json:"error"`
	To        struct {
		Provider  string `json:"provider"`
		Model     string `json:"model"`
		Dimension int    `json:"dimension"`
	} `json:"to"`
}

func requireTenant() error {
	if tenantID == "" {
		return fmt.Errorf("--tenant is required")
	}
	return nil
}

func doRequest(method, path string, body any) (*jobBody, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)
	req.Header.Set("X-Agent-Slug", "migrate-tenant")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(data))
	}
	if len(data) == 0 {
		return nil, nil
	}

	var job jobBody
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &job, nil
}

func printJob(job *jobBody) {
	fmt.Printf("job:       %s\n", job.ID)
	fmt.Printf("state:     %s\n", job.State)
	fmt.Printf("target:    %s/%s dim=%d\n", job.To.Provider, job.To.Model, job.To.Dimension)
	if job.Total > 0 {
		fmt.Printf("progress:  %d/%d (%.1f%%)\n", job.Processed, job.Total,
			100*float64(job.Processed)/float64(job.Total))
	} else {
		fmt.Printf("progress:  %d/%d\n", job.Processed, job.Total)
	}
	if job.Error != "" {
		fmt.Printf("error:     %s\n", job.Error)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	if err := requireTenant(); err != nil {
		return err
	}
	job, err := doRequest(http.MethodPost, "/api/v1/migrations", map[string]any{
		"provider":  startProvider,
		"model":     startModel,
		"dimension": startDimension,
	})
	if err != nil {
		return err
	}
	printJob(job)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := requireTenant(); err != nil {
		return err
	}
	job, err := doRequest(http.MethodGet, "/api/v1/migrations/"+args[0], nil)
	if err != nil {
		return err
	}
	printJob(job)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	if err := requireTenant(); err != nil {
		return err
	}
	if _, err := doRequest(http.MethodDelete, "/api/v1/migrations/"+args[0], nil); err != nil {
		return err
	}
	fmt.Println("cancellation requested")
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := requireTenant(); err != nil {
		return err
	}
	for {
		job, err := doRequest(http.MethodGet, "/api/v1/migrations/"+args[0], nil)
		if err != nil {
			return err
		}
		if job.Total > 0 {
			fmt.Printf("\r%s %d/%d (%.1f%%)    ", job.State, job.Processed, job.Total,
				100*float64(job.Processed)/float64(job.Total))
		} else {
			fmt.Printf("\r%s %d/%d    ", job.State, job.Processed, job.Total)
		}
		switch job.State {
		case "completed", "failed", "cancelled":
			fmt.Println()
			printJob(job)
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}
