package cli

import (
	"context"
	"errors"

	"github.com/alttch/sshare/pkg/errs"
	"github.com/spf13/cobra"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitNetwork     = 3
	ExitAuth        = 4
	ExitServer      = 5
	ExitIntegrity   = 6
	ExitLocalIO     = 7
	ExitInterrupted = 130
)

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	switch errs.KindOf(err) {
	case errs.KindUsage:
		return ExitUsage
	case errs.KindNetwork:
		return ExitNetwork
	case errs.KindAuth:
		return ExitAuth
	case errs.KindServer:
		return ExitServer
	case errs.KindIntegrity:
		return ExitIntegrity
	case errs.KindLocalIO:
		return ExitLocalIO
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ExitNetwork
	}
	return ExitFailure
}

// usageArgs classifies positional argument errors as usage errors.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return errs.Usage(cmd.Name(), err)
		}
		return nil
	}
}
