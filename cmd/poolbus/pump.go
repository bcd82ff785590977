package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/device"
	"github.com/arloliu/go-poolbus/frame"
)

const pumpStopTimeout = 10 * time.Second

var (
	pumpAddress  uint8
	pumpProgram  int
	pumpRPM      int
	pumpGPM      int
	pumpDuration time.Duration
)

var pumpCmd = &cobra.Command{
	Use:   "pump",
	Short: "Drive a variable speed pump",
}

var pumpRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pump at a program, speed or flow",
	Long: `Take remote control of a pump and run it. The pump is kept in remote
mode until the duration elapses or the command is interrupted, then powered
off and returned to local control.`,
	Example: `  poolbus pump run --rpm 2400 --duration 30m
  poolbus pump run --address 97 --program 2`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		run, err := runCommandFromFlags(cmd)
		if err != nil {
			return err
		}

		// the bus and pump outlive the signal so the pump can be stopped
		base := cmd.Context()
		ctx, cancel := signalContext(base)
		defer cancel()

		s, err := openPumpBus(base)
		if err != nil {
			return err
		}
		defer s.Close()

		pump, err := device.NewPump(base, s.conn, pumpAddress, device.WithPumpLogger(log))
		if err != nil {
			return err
		}
		defer pump.Close()

		if err := pump.Run(ctx, run, pumpDuration); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pump %d running %s\n", pumpAddress, run)

		select {
		case <-pump.Done():
			if err := pump.Err(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pump %d stopped\n", pumpAddress)

			return nil

		case <-ctx.Done():
		}

		stopCtx, stopCancel := context.WithTimeout(base, pumpStopTimeout)
		defer stopCancel()

		return pump.Stop(stopCtx)
	},
}

var pumpStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Power a pump off and return it to local control",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		s, err := openPumpBus(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		pump, err := device.NewPump(ctx, s.conn, pumpAddress, device.WithPumpLogger(log))
		if err != nil {
			return err
		}
		defer pump.Close()

		return pump.Stop(ctx)
	},
}

var pumpStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Read a pump's status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		s, err := openPumpBus(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		reply, err := device.Command(ctx, s.conn, device.StatusMessage(s.conn.Address(), pumpAddress), bus.WithReply())
		if err != nil {
			return err
		}
		st, err := device.DecodePumpStatus(reply)
		if err != nil {
			return err
		}
		printPumpStatus(cmd, st)

		return nil
	},
}

func init() {
	pumpCmd.PersistentFlags().Uint8Var(&pumpAddress, "address", frame.PumpAddressMin, "pump bus address")

	f := pumpRunCmd.Flags()
	f.IntVar(&pumpProgram, "program", 0, "run program 1-4")
	f.IntVar(&pumpRPM, "rpm", 0, "run at a speed in RPM")
	f.IntVar(&pumpGPM, "gpm", 0, "run at a flow in GPM")
	f.DurationVar(&pumpDuration, "duration", -1, "how long to run, negative to run until interrupted")
	pumpRunCmd.MarkFlagsOneRequired("program", "rpm", "gpm")
	pumpRunCmd.MarkFlagsMutuallyExclusive("program", "rpm", "gpm")

	pumpCmd.AddCommand(pumpRunCmd, pumpStopCmd, pumpStatusCmd)
}

func runCommandFromFlags(cmd *cobra.Command) (device.RunCommand, error) {
	var run device.RunCommand
	switch flags := cmd.Flags(); {
	case flags.Changed("program"):
		run = device.Program(pumpProgram)
	case flags.Changed("rpm"):
		run = device.RPM(pumpRPM)
	case flags.Changed("gpm"):
		run = device.GPM(pumpGPM)
	default:
		return run, errors.New("one of --program, --rpm or --gpm is required")
	}

	if _, err := run.Payload(); err != nil {
		return run, err
	}

	return run, nil
}

func openPumpBus(ctx context.Context) (*busSession, error) {
	if !frame.IsPumpAddress(pumpAddress) {
		return nil, fmt.Errorf("%w: %d", device.ErrNotPumpAddress, pumpAddress)
	}

	tr, err := busTransport()
	if err != nil {
		return nil, err
	}

	return openBus(ctx, tr, true)
}

func printPumpStatus(cmd *cobra.Command, st device.PumpStatus) {
	fmt.Fprintf(cmd.OutOrStdout(),
		"pump %d: running=%t mode=%d drive=%d watts=%d rpm=%d gpm=%d ppc=%d error=%d clock=%02d:%02d\n",
		st.Address, st.Running, st.Mode, st.DriveState, st.Watts, st.RPM, st.GPM, st.PPC, st.ErrorCode,
		st.ClockMinutes/60, st.ClockMinutes%60)
}
