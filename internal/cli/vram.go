package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/vitalis-health/vitalis/internal/domain"
	"github.com/vitalis-health/vitalis/internal/infra/telemetry"
)

func init() {
	vramCmd.Flags().StringVar(&vramCSV, "csv", "", "Write the raw sample log to FILE as CSV")
	rootCmd.AddCommand(vramCmd)
}

var vramCSV string

var vramCmd = &cobra.Command{
	Use:   "vram SESSION",
	Short: "Show the VRAM telemetry recorded during a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runVram,
}

func runVram(cmd *cobra.Command, args []string) error {
	id := args[0]

	if vramCSV != "" {
		resp, err := client.Get(baseURL() + "/v1/sessions/" + id + "/vram?format=csv")
		if err != nil {
			return fmt.Errorf("is the daemon running? (vitalis serve): %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return apiError(resp)
		}

		f, err := os.Create(vramCSV)
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := io.Copy(f, resp.Body)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d bytes to %s\n", n, vramCSV)
		return nil
	}

	var body struct {
		Samples []*domain.VramSample `json:"samples"`
		Summary telemetry.Summary    `json:"summary"`
	}
	if err := apiGet("/v1/sessions/"+id+"/vram", &body); err != nil {
		return err
	}

	s := body.Summary
	fmt.Printf("Samples:      %d\n", s.Samples)
	fmt.Printf("Peak:         %.0f MB\n", s.MaxMB)
	fmt.Printf("P95:          %.0f MB\n", s.P95MB)
	fmt.Printf("Mean:         %.0f MB\n", s.MeanMB)
	fmt.Printf("Zone:         %s\n", s.Zone)
	return nil
}
