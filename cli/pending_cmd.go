package cli

import (
	"fmt"

	"github.com/alttch/sshare/cli/output"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/spf13/cobra"
)

// PendingCommand lists uploads that were interrupted and can be continued
// with upload --resume.
func PendingCommand() *cobra.Command {
	var format string
	var forget bool
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List interrupted uploads that can be resumed",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := output.ParseFormat(format)
			if err != nil {
				return errs.Usage("pending", err)
			}
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			j, err := rt.journal()
			if err != nil {
				return err
			}
			entries, err := j.List()
			if err != nil {
				return errs.LocalIO("read", j.Dir(), err)
			}

			p := output.NewPrinter(cmd.OutOrStdout())
			if forget {
				for _, e := range entries {
					if err := j.Remove(e.Key); err != nil {
						return errs.LocalIO("remove", j.Dir(), err)
					}
				}
				p.Success(fmt.Sprintf("forgot %d interrupted upload(s)", len(entries)), nil)
				return nil
			}
			if f != output.FormatText {
				return output.Encode(cmd.OutOrStdout(), f, entries)
			}
			if len(entries) == 0 {
				p.Info("no interrupted uploads", map[string]any{string(internal.JournalPath): j.Dir()})
				return nil
			}
			return output.PrintJournalTable(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", string(output.FormatText), "Result format: text, json or yaml")
	cmd.Flags().BoolVar(&forget, "clear", false, "Forget all interrupted uploads")
	return cmd
}

func VersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sshare version",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), internal.UserAgent())
			return err
		},
	}
}
