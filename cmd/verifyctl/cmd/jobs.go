package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/verisol/verify-api/pkg/models"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List all verification jobs (operator endpoint)",
	Long:  `List every verification job the server knows about. Requires the operator API key when the server has one configured.`,
	RunE:  runJobs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest("GET", GetAPIURL()+"/jobs", nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return fmt.Errorf("unauthorized: set --api-key or VERIFY_API_KEY")
	default:
		return fmt.Errorf("unexpected response: %s", resp.Status)
	}

	if IsJSONOutput() {
		fmt.Println(string(data))
		return nil
	}

	var listing struct {
		Jobs  []*models.BuildJob `json:"jobs"`
		Count int                `json:"count"`
	}
	if err := json.Unmarshal(data, &listing); err != nil {
		return err
	}

	if listing.Count == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Program ID", "Status", "Created", "Completed", "Error")
	for _, job := range listing.Jobs {
		completed := "-"
		if job.CompletedAt != nil {
			completed = job.CompletedAt.Format(time.RFC3339)
		}
		errMsg := job.Error
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}
		table.Append(
			shortID(job.ID),
			shortID(job.ProgramID),
			string(job.Status),
			job.CreatedAt.Format(time.RFC3339),
			completed,
			errMsg,
		)
	}
	table.Render()
	fmt.Printf("\nTotal: %d jobs\n", listing.Count)
	return nil
}

// shortID trims long identifiers for table display
func shortID(s string) string {
	if len(s) > 12 {
		return s[:12] + "…"
	}
	return s
}
