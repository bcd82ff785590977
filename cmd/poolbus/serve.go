package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/config"
	"github.com/arloliu/go-poolbus/device"
	"github.com/arloliu/go-poolbus/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll the configured equipment",
	Long: `Open the bus and run a poller for every pump, heater and chlorinator in
the settings file until interrupted. Status changes are logged and the
configured capture sinks record the traffic.`,
	Example: `  poolbus serve --config /etc/poolbus.yaml`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
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

		reg, err := buildRegistry(ctx, s.conn, settings, log)
		if err != nil {
			_ = reg.Close()
			return err
		}
		defer reg.Close()

		if err := reg.Start(); err != nil {
			return err
		}
		log.Info("serving", "transport", tr.String(), "loops", len(reg.Loops()), "pumps", len(reg.Pumps()))

		<-ctx.Done()

		return nil
	},
}

// buildRegistry creates the pumps and pollers described by cfg. The
// returned registry holds whatever was created, also on error.
func buildRegistry(ctx context.Context, conn *bus.Connection, cfg *config.Config, l logger.Logger) (*device.Registry, error) {
	reg := device.NewRegistry()

	for _, pc := range cfg.Pumps {
		pl := l.With("pump", pc.Name)
		pump, err := device.NewPump(ctx, conn, pc.Address,
			device.WithKeepAliveInterval(pc.KeepAliveInterval),
			device.WithPumpLogger(pl),
		)
		if err != nil {
			return reg, err
		}
		if err := reg.AddPump(pump); err != nil {
			_ = pump.Close()
			return reg, err
		}

		if pc.StatusInterval < 0 {
			continue
		}
		poller, err := device.NewPumpStatusPoller(ctx, conn, pc.Address,
			func(st device.PumpStatus) {
				pl.Info("pump status", "running", st.Running, "rpm", st.RPM, "watts", st.Watts, "gpm", st.GPM, "error", st.ErrorCode)
			},
			device.WithInterval(pc.StatusInterval),
			device.WithSuspender(pump.Suspender()),
			device.WithLoopLogger(pl),
		)
		if err != nil {
			return reg, err
		}
		if err := reg.AddLoop(poller.Loop); err != nil {
			return reg, err
		}
	}

	for _, hc := range cfg.Heaters {
		hl := l.With("heater", hc.Address)
		heater := device.NewHeaterPoller(ctx, conn, hc.Address,
			func(st device.HeaterStatus) { hl.Info("heater status", "mode", st.Mode.String()) },
			device.WithInterval(hc.PollInterval),
			device.WithLoopLogger(hl),
		)
		if err := reg.AddLoop(heater.Loop); err != nil {
			return reg, err
		}
	}

	for _, cc := range cfg.Chlorinators {
		cl := l.With("device", "chlorinator")
		chlor := device.NewChlorinatorPoller(ctx, conn,
			func(st device.ChlorinatorStatus) {
				cl.Info("chlorinator status", "output", st.Output, "salt", st.SaltPPM, "status", st.Status, "model", st.Model)
			},
			device.WithInterval(cc.PollInterval),
			device.WithLoopLogger(cl),
		)
		if err := chlor.SetOutput(cc.Output); err != nil {
			return reg, fmt.Errorf("chlorinator: %w", err)
		}
		if err := reg.AddLoop(chlor.Loop); err != nil {
			return reg, err
		}
	}

	return reg, nil
}
