package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"hyperlight/mem"
	"hyperlight/sandbox"
	"hyperlight/wire"
)

var dispatchOffsetFlag uint64

func newCallGuestFunctionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call-guest-function <guest-binary> <function-name> <string-arg>",
		Short: "Load a guest binary, evolve a single-use sandbox, and call one exported function",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			guestBinary, function, arg := args[0], args[1], args[2]

			uninit, err := sandbox.NewUninitializedSandbox(guestBinary, mem.NewSandboxConfiguration(), sandbox.DispatchFunctionOffset(dispatchOffsetFlag))
			if err != nil {
				return fail("loading %s: %w", guestBinary, err)
			}

			single, err := uninit.EvolveToSingleUse(nil)
			if err != nil {
				return fail("initialising sandbox: %w", err)
			}
			defer func() {
				if cerr := single.Close(); cerr != nil {
					logrus.WithError(cerr).Warn("closing sandbox")
				}
			}()

			ret, err := single.CallGuestFunctionByName(function, wire.KindString, wire.ParamString(arg))
			if err != nil {
				return fail("calling %s: %w", function, err)
			}

			logrus.WithField("function", function).WithField("result", ret.String).Info("call complete")
			cmd.Println(ret.String)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&dispatchOffsetFlag, "dispatch-offset", 0, "guest dispatch function's offset from the code region's base")
	return cmd
}
