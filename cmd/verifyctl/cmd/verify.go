package cmd

import (
	"bytes"
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

var (
	verifyProgramID string
	verifyCommit    string
	verifyLibName   string
	verifyBPF       bool
	verifyBaseImage string
	verifyMountPath string
	verifyCargoArgs []string
	verifySync      bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify <repository-url>",
	Short: "Submit a program build for verification",
	Long: `Submit a repository for build verification against the on-chain program.

By default the build runs in the background; poll with 'verifyctl status'.
With --sync the command waits for the build and prints the verdict.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyProgramID, "program-id", "", "on-chain program address (required)")
	verifyCmd.Flags().StringVar(&verifyCommit, "commit", "", "commit hash to build (default: latest)")
	verifyCmd.Flags().StringVar(&verifyLibName, "lib-name", "", "library name for multi-program repositories")
	verifyCmd.Flags().BoolVar(&verifyBPF, "bpf", false, "use cargo build-bpf instead of build-sbf")
	verifyCmd.Flags().StringVar(&verifyBaseImage, "base-image", "", "docker base image for the build")
	verifyCmd.Flags().StringVar(&verifyMountPath, "mount-path", "", "path to mount inside the build container")
	verifyCmd.Flags().StringArrayVar(&verifyCargoArgs, "cargo-arg", nil, "extra cargo argument (repeatable, order matters)")
	verifyCmd.Flags().BoolVar(&verifySync, "sync", false, "wait for the build and print the verdict")
	verifyCmd.MarkFlagRequired("program-id")

	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	params := models.VerifyParams{
		Repository: args[0],
		ProgramID:  verifyProgramID,
		Commit:     verifyCommit,
		LibName:    verifyLibName,
		BPFFlag:    verifyBPF,
		BaseImage:  verifyBaseImage,
		MountPath:  verifyMountPath,
	}
	if len(verifyCargoArgs) > 0 {
		params.CargoArgs = verifyCargoArgs
	}

	path := "/verify"
	timeout := 30 * time.Second
	if verifySync {
		path = "/verify_sync"
		timeout = time.Hour
	}

	body, err := json.Marshal(params)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Post(GetAPIURL()+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to reach API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		fmt.Println(string(data))
		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error: %s", resp.Status)
		}
		return nil
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if verifySync {
			return printVerdict(data)
		}
		var ack models.VerifyResponse
		if err := json.Unmarshal(data, &ack); err != nil {
			return err
		}
		fmt.Printf("✅ %s\n", ack.Message)
		fmt.Printf("   Poll with: verifyctl status %s\n", verifyProgramID)
		return nil
	case http.StatusConflict:
		// Duplicate: either a bare ack or the cached verdict
		var cached models.StatusResponse
		if err := json.Unmarshal(data, &cached); err == nil && cached.OnChainHash != "" {
			fmt.Println("⚠️  Already processed; cached result:")
			return printVerdict(data)
		}
		fmt.Println("⚠️  We have already processed this request")
		return nil
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limited, retry later")
	case http.StatusBadRequest:
		var apiErr models.ErrorResponse
		if err := json.Unmarshal(data, &apiErr); err == nil {
			return fmt.Errorf("invalid request: %s", apiErr.Error)
		}
		return fmt.Errorf("invalid request")
	default:
		return fmt.Errorf("unexpected response: %s", resp.Status)
	}
}

func printVerdict(data []byte) error {
	var errResp models.ErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Status == models.StatusError {
		return fmt.Errorf("verification failed: %s", errResp.Error)
	}

	var status models.StatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Verified", fmt.Sprintf("%t", status.IsVerified))
	table.Append("Message", status.Message)
	if status.OnChainHash != "" {
		table.Append("On-chain Hash", status.OnChainHash)
		table.Append("Executable Hash", status.ExecutableHash)
	}
	if status.RepoURL != "" {
		table.Append("Repository", status.RepoURL)
	}
	table.Render()
	return nil
}
