// Package cmd is hlhost's cobra command tree: a thin demonstration
// surface over the sandbox package, not part of the core library
// (SPEC_FULL.md's CLI section). Grounded on dsmmcken-dh-cli's
// cobra root command (internal/cmd/root.go): a plain *cobra.Command
// built by a constructor and driven from main via Execute.
package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var verboseFlag bool

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hlhost",
		Short:         "Run a guest binary inside a Hyperlight sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verboseFlag {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")
	root.AddCommand(newCallGuestFunctionCmd())
	return root
}

func Execute() error {
	return NewRootCmd().Execute()
}

func fail(format string, args ...any) error {
	return fmt.Errorf("hlhost: "+format, args...)
}
