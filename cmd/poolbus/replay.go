package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-poolbus/capture"
)

var (
	replaySpeed   float64
	replayJSON    bool
	replayInvalid bool
)

// replaySettle lets the bus finish the last chunk after the replay drains.
const replaySettle = 200 * time.Millisecond

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Decode a recorded capture",
	Long: `Feed the received side of a capture file through the bus decoder and
print the frames it yields. Sent frames are skipped.`,
	Example: `  # Decode as fast as possible
  poolbus replay pool.json

  # Replay in real time
  poolbus replay pool.json --speed 1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		records, err := capture.ReadFile(args[0])
		if err != nil {
			return err
		}
		replay := capture.NewReplay(args[0], records, capture.WithSpeed(replaySpeed))
		log.Info("replaying", "file", args[0], "records", replay.Len())

		p := newPrinter(cmd.OutOrStdout(), replayJSON, replayInvalid)
		s, err := openBus(ctx, replay, false, p)
		if err != nil {
			return err
		}
		defer s.Close()

		select {
		case <-replay.Drained():
			time.Sleep(replaySettle)
		case <-ctx.Done():
		}
		log.Info("replay finished", "printed", p.Count())

		return nil
	},
}

func init() {
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "pace by recorded timestamps divided by this factor, 0 for no pauses")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "print capture records instead of text")
	replayCmd.Flags().BoolVar(&replayInvalid, "invalid", true, "also print frames failing checksum or framing")
}
