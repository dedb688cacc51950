package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/pulsekern/internal/ir"
)

// VersionInfo reports the software and IR versions.
type VersionInfo struct {
	Software string `json:"software"`
	IR       string `json:"ir"`
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("pulsekern %s (ir %s)", v.Software, v.IR)
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Print version information",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.formatter(cmd).Success(VersionInfo{Software: ir.SoftwareVersion, IR: ir.IRVersion})
		},
	}
}
