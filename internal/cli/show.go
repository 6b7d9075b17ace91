package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vitalis-health/vitalis/internal/domain"
)

func init() {
	rootCmd.AddCommand(showCmd)
}

var showCmd = &cobra.Command{
	Use:   "show SESSION",
	Short: "Show a session with its evidence, debate and case",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	id := args[0]

	var sess domain.Session
	if err := apiGet("/v1/sessions/"+id, &sess); err != nil {
		return err
	}

	fmt.Printf("Session:      %s\n", sess.SessionID)
	fmt.Printf("Patient:      %s\n", sess.PatientID)
	fmt.Printf("Status:       %s\n", sess.Status)
	fmt.Printf("Degradation:  %s\n", sess.Degradation)
	if sess.Staging != "" {
		fmt.Printf("Staging:      %s\n", sess.Staging)
	}
	fmt.Printf("Created:      %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))

	var evBody struct {
		Evidence []*domain.EvidenceItem `json:"evidence"`
	}
	if err := apiGet("/v1/sessions/"+id+"/evidence", &evBody); err != nil {
		return err
	}
	if len(evBody.Evidence) > 0 {
		fmt.Println("\nEvidence:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  MODEL\tSTATUS\tCONFIDENCE\tFINDING")
		for _, ev := range evBody.Evidence {
			fmt.Fprintf(w, "  %s\t%s\t%.2f\t%s\n",
				ev.Model, ev.Status, ev.Confidence, truncate(ev.Finding, 60))
		}
		w.Flush()
	}

	var dbBody struct {
		Debate []*domain.DebateOutput `json:"debate"`
	}
	if err := apiGet("/v1/sessions/"+id+"/debate", &dbBody); err != nil {
		return err
	}
	if len(dbBody.Debate) > 0 {
		fmt.Println("\nDebate:")
		for _, pass := range dbBody.Debate {
			fmt.Printf("  [%d] %s: %s\n", pass.PassNumber, pass.Persona, truncate(pass.OutputText, 80))
		}
	}

	if sess.Status == domain.StatusFinalized {
		var c domain.OncoCase
		if err := apiGet("/v1/sessions/"+id+"/case", &c); err != nil {
			return err
		}
		fmt.Println("\nCase:")
		fmt.Printf("  Staging:      %s\n", c.Staging)
		fmt.Printf("  Risk:         %s (%.2f)\n", c.Payload.Risk.Level, c.Payload.Risk.Score)
		fmt.Printf("  Degradation:  %s\n", c.Degradation)
		if c.Payload.ProposedRegimen != "" {
			fmt.Printf("  Regimen:      %s\n", c.Payload.ProposedRegimen)
		}
		for _, nba := range c.NBA {
			fmt.Printf("  Next:         %s\n", nba.Action)
		}
	}

	return nil
}

// truncate keeps terminal rows readable for long model output.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
