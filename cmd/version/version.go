package version

import (
	"fmt"

	"github.com/emptyset-io/taskpool/internal/version"

	"github.com/spf13/cobra"
)

// NewVersionCmd creates and returns the version command.
func NewVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Long:  `Print the version information for the taskpool CLI.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskpool %s\n", version.String())
		},
	}

	return cmd
}
