package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/device"
)

var chlorinatorCmd = &cobra.Command{
	Use:     "chlorinator",
	Aliases: []string{"chlor"},
	Short:   "Talk to a salt chlorinator",
}

var chlorinatorSetCmd = &cobra.Command{
	Use:   "set PERCENT",
	Short: "Set the chlorinator output",
	Long: `Set the output percentage, 0 to 100, or 101 to super-chlorinate, and
print the salt level the chlorinator reports back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pct, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("percent %q: %w", args[0], err)
		}
		msg, err := device.SetOutputMessage(pct)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		tr, err := busTransport()
		if err != nil {
			return err
		}
		s, err := openBus(ctx, tr, true)
		if err != nil {
			return err
		}
		defer s.Close()

		reply, err := device.Command(ctx, s.conn, msg, bus.WithReply())
		if err != nil {
			return err
		}
		if st, ok := device.DecodeChlorinatorStatus(reply, pct); ok {
			fmt.Fprintf(cmd.OutOrStdout(), "output=%d%% salt=%dppm status=%d\n", st.Output, st.SaltPPM, st.Status)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "output=%d%% reply=%s\n", pct, reply.String())
		}

		return nil
	},
}

func init() {
	chlorinatorCmd.AddCommand(chlorinatorSetCmd)
}
