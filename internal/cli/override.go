package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vitalis-health/vitalis/internal/domain"
)

func init() {
	overrideCmd.Flags().StringVar(&ovrField, "field", "", "Field to override (staging, degradation, transcript, clinical_frame)")
	overrideCmd.Flags().StringVar(&ovrValue, "value", "", "New value")
	overrideCmd.Flags().StringVar(&ovrReason, "reason", "", "Clinical justification")
	overrideCmd.Flags().StringVar(&ovrClinician, "clinician", "", "Clinician identifier")
	overrideCmd.MarkFlagRequired("field")
	overrideCmd.MarkFlagRequired("value")
	overrideCmd.MarkFlagRequired("reason")
	rootCmd.AddCommand(overrideCmd)
}

var (
	ovrField     string
	ovrValue     string
	ovrReason    string
	ovrClinician string
)

var overrideCmd = &cobra.Command{
	Use:   "override SESSION",
	Short: "Record a clinician override on a finalized session",
	Long: `Correct a machine conclusion. The override is appended to the audit
trail with the prior value and your reason; the original case is never edited.`,
	Args: cobra.ExactArgs(1),
	RunE: runOverride,
}

func runOverride(cmd *cobra.Command, args []string) error {
	req := map[string]string{
		"clinician_id": ovrClinician,
		"field":        ovrField,
		"new_value":    ovrValue,
		"reason":       ovrReason,
	}

	var o domain.Override
	if err := apiPost("/v1/sessions/"+args[0]+"/overrides", req, &o); err != nil {
		return err
	}

	fmt.Printf("Recorded override #%d on %s: %s %q -> %q\n",
		o.ID, o.SessionID, o.Field, o.OldValue, o.NewValue)
	return nil
}
