package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vitalis-health/vitalis/internal/app/pipeline"
)

func init() {
	runCmd.Flags().StringVar(&runPatient, "patient", "", "Patient identifier (autogenerated if empty)")
	runCmd.Flags().StringVar(&runTranscript, "transcript", "", "Consultation transcript text")
	runCmd.Flags().StringVar(&runTranscriptFile, "transcript-file", "", "Read the transcript from a file")
	runCmd.Flags().StringVar(&runAudio, "audio", "", "Consultation audio recording path")
	runCmd.Flags().StringVar(&runCough, "cough", "", "Cough audio clip path")
	runCmd.Flags().StringVar(&runCxr, "cxr", "", "Chest X-ray image path")
	runCmd.Flags().StringVar(&runDerm, "derm", "", "Skin lesion photo path")
	runCmd.Flags().StringVar(&runHisto, "histo", "", "Histopathology slide path")
	rootCmd.AddCommand(runCmd)
}

var (
	runPatient        string
	runTranscript     string
	runTranscriptFile string
	runAudio          string
	runCough          string
	runCxr            string
	runDerm           string
	runHisto          string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit a patient encounter and run the full pipeline",
	Long: `Submit a consultation to the daemon. The run is synchronous: the command
returns once the session rests at TRIAGE or is finalized as a case.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	transcript := runTranscript
	if runTranscriptFile != "" {
		raw, err := os.ReadFile(runTranscriptFile)
		if err != nil {
			return fmt.Errorf("read transcript: %w", err)
		}
		transcript = strings.TrimSpace(string(raw))
	}

	req := map[string]string{
		"patient_id": runPatient,
		"transcript": transcript,
		"audio_path": runAudio,
		"cough_path": runCough,
		"cxr_path":   runCxr,
		"derm_path":  runDerm,
		"histo_path": runHisto,
	}

	var res pipeline.RunResult
	if err := apiPost("/v1/sessions", req, &res); err != nil {
		return err
	}
	printResult(&res)
	return nil
}

func printResult(res *pipeline.RunResult) {
	s := res.Session
	fmt.Printf("Session:      %s\n", s.SessionID)
	fmt.Printf("Patient:      %s\n", s.PatientID)
	fmt.Printf("Status:       %s\n", s.Status)
	fmt.Printf("Degradation:  %s\n", s.Degradation)

	if res.Decision != nil {
		fmt.Printf("Mode:         %s (score %.2f, threshold %.2f)\n",
			res.Decision.Mode, res.Decision.Score, res.Decision.Threshold)
		fmt.Printf("Uncertainty:  %s\n", res.Decision.Uncertainty)
		if len(res.Decision.Triggers) > 0 {
			fmt.Printf("Triggers:     %s\n", strings.Join(res.Decision.Triggers, ", "))
		}
	}

	if res.Case != nil {
		fmt.Printf("Risk:         %s (%.2f)\n", res.Case.Payload.Risk.Level, res.Case.Payload.Risk.Score)
		fmt.Printf("Staging:      %s\n", res.Case.Staging)
		for _, nba := range res.Case.NBA {
			fmt.Printf("  next: %s\n", nba.Action)
		}
	}
}
