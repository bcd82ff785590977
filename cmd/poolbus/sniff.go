package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-poolbus/bus"
	"github.com/arloliu/go-poolbus/capture"
	"github.com/arloliu/go-poolbus/frame"
)

var (
	sniffInvalid bool
	sniffJSON    bool
)

var sniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "Print bus traffic",
	Long: `Print every frame seen on the bus until interrupted. Configured capture
sinks (file, MQTT, InfluxDB) record the traffic as well.`,
	Example: `  # Watch a local adapter
  poolbus sniff --port /dev/ttyUSB0

  # Record to a file while printing JSON records
  POOLBUS_CAPTURE_FILE=pool.json poolbus sniff --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		tr, err := busTransport()
		if err != nil {
			return err
		}
		s, err := openBus(ctx, tr, true, newPrinter(cmd.OutOrStdout(), sniffJSON, sniffInvalid))
		if err != nil {
			return err
		}
		defer s.Close()

		log.Info("sniffing", "transport", tr.String())

		<-ctx.Done()

		return nil
	},
}

func init() {
	sniffCmd.Flags().BoolVar(&sniffInvalid, "invalid", false, "also print frames failing checksum or framing")
	sniffCmd.Flags().BoolVar(&sniffJSON, "json", false, "print capture records instead of text")
}

// printer writes frames to w, one per line.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	json    bool
	invalid bool
	count   int
}

var _ bus.PacketLogger = (*printer)(nil)

func newPrinter(w io.Writer, asJSON, invalid bool) *printer {
	return &printer{w: w, json: asJSON, invalid: invalid}
}

func (p *printer) LogPacket(msg *frame.Message) {
	if !msg.Valid() && !p.invalid {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++

	if p.json {
		b, err := json.Marshal(capture.NewRecord(msg))
		if err != nil {
			return
		}
		fmt.Fprintln(p.w, string(b))

		return
	}

	fmt.Fprintln(p.w, msg.String())
}

func (p *printer) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.count
}
