package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vitalis-health/vitalis/internal/domain"
)

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of sessions to list")
	rootCmd.AddCommand(listCmd)
}

var listLimit int

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recent sessions",
	RunE:    runList,
}

func runList(cmd *cobra.Command, args []string) error {
	var body struct {
		Sessions []*domain.Session `json:"sessions"`
	}
	if err := apiGet(fmt.Sprintf("/v1/sessions?limit=%d", listLimit), &body); err != nil {
		return err
	}

	if len(body.Sessions) == 0 {
		fmt.Println("No sessions yet. Run 'vitalis run' to submit an encounter.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPATIENT\tSTATUS\tDEGRADATION\tCREATED")
	for _, s := range body.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.SessionID,
			s.PatientID,
			s.Status,
			s.Degradation,
			s.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}
