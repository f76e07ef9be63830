package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pawrgate/gateway"
	"github.com/srg/pawrgate/internal/adv"
	"github.com/srg/pawrgate/internal/groutine"
	"github.com/srg/pawrgate/internal/publish"
	"github.com/srg/pawrgate/internal/radio/sim"
	"github.com/srg/pawrgate/pkg/config"
	"github.com/srg/pawrgate/scanner"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway",
	Long: `Start the PAwR train, pair sensor tags as they advertise and poll the
synced ones every read period.

The gateway drives a simulated controller populated with --tags sensor tags.
Readings go to the MQTT broker given by --broker, or to the log when no broker
is configured.`,
	Example: `  pawrgate run --tags 5 --tick 500ms --read-period 2s
  pawrgate run --broker tcp://localhost:1883 --topic sensor_data
  PAWRGATE_SIM_LOSS_RATE=0.2 pawrgate run --status-interval 10s`,
	RunE: runGateway,
}

var (
	runDuration       time.Duration
	runStatusInterval time.Duration
)

func init() {
	f := runCmd.Flags()
	f.DurationVarP(&runDuration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	f.DurationVar(&runStatusInterval, "status-interval", 30*time.Second, "Print the tag table this often (0 disables)")
	f.BoolP("verbose", "V", false, "Enable debug logging")
	addConfigFlags(runCmd)
}

// addConfigFlags registers the flags that override configuration values.
func addConfigFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	f.String("topic", "", "MQTT topic for readings")
	f.Duration("read-period", 0, "Time between poll rounds")
	f.Int("max-missed", 0, "Unanswered polls before a tag is considered out of sync")
	f.Uint8("subevents", 0, "Subevents per PAwR interval")
	f.Uint8("slots", 0, "Response slots per subevent")
	f.Int("tags", -1, "Number of simulated sensor tags")
	f.Duration("tick", 0, "Wall-clock length of one simulated PAwR interval")
	f.Float64("loss-rate", -1, "Probability that a simulated tag misses a train")
}

// loadConfig reads the configuration and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("broker") {
		cfg.MQTT.Broker, _ = f.GetString("broker")
	}
	if f.Changed("topic") {
		cfg.MQTT.Topic, _ = f.GetString("topic")
	}
	if f.Changed("read-period") {
		cfg.Poll.ReadPeriod, _ = f.GetDuration("read-period")
	}
	if f.Changed("max-missed") {
		cfg.Poll.MaxMissed, _ = f.GetInt("max-missed")
	}
	if f.Changed("subevents") {
		cfg.PAwR.Subevents, _ = f.GetUint8("subevents")
	}
	if f.Changed("slots") {
		cfg.PAwR.Slots, _ = f.GetUint8("slots")
	}
	if f.Changed("tags") {
		cfg.Sim.Tags, _ = f.GetInt("tags")
	}
	if f.Changed("tick") {
		cfg.Sim.Tick, _ = f.GetDuration("tick")
	}
	if f.Changed("loss-rate") {
		cfg.Sim.LossRate, _ = f.GetFloat64("loss-rate")
	}

	return cfg, nil
}

func runGateway(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDuration)
		defer cancel()
	}

	sink, closeSink, err := newSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	pipeline := publish.NewPipeline(sink, logger)
	r := sim.New(sim.Options{
		Tick:   cfg.Sim.Tick,
		Seed:   cfg.Sim.Seed,
		Logger: logger,
	}, simulatedTags(cfg)...)

	gw, err := gateway.New(gateway.Options{
		Radio:      r,
		Params:     cfg.PAwR.Params(),
		Publisher:  pipeline,
		ReadPeriod: cfg.Poll.ReadPeriod,
		MaxMissed:  cfg.Poll.MaxMissed,
		Scan: &scanner.ScanOptions{
			PeripheralName: cfg.Scan.PeripheralName,
			AllowList:      cfg.Scan.AllowList,
			BlockList:      cfg.Scan.BlockList,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	group := groutine.NewGroup(ctx)
	group.Go("publisher", func(ctx context.Context) {
		_ = pipeline.Run(ctx)
	})
	group.Go("sim-radio", func(ctx context.Context) {
		_ = r.Run(ctx)
	})
	if runStatusInterval > 0 {
		group.Go("status", func(ctx context.Context) {
			reportStatus(ctx, gw, cmd.OutOrStdout(), runStatusInterval)
		})
	}

	err = gw.Run(ctx)
	cancel()
	group.Wait()

	if err != nil {
		return fmt.Errorf("gateway failed: %w", err)
	}
	return nil
}

// newSink picks the MQTT sink when a broker is configured, else the log.
func newSink(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (publish.Sink, func(), error) {
	if cfg.MQTT.Broker == "" {
		logger.Info("No MQTT broker configured, logging readings")
		return publish.NewLogSink(logger), func() {}, nil
	}

	sink := publish.NewMQTTSink(publish.MQTTOptions{
		Broker:    cfg.MQTT.Broker,
		Topic:     cfg.MQTT.Topic,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		QoS:       cfg.MQTT.QoS,
		KeepAlive: cfg.MQTT.KeepAlive,
	}, logger)
	if err := sink.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return sink, sink.Close, nil
}

// simulatedTags builds the tags served by the simulated radio.
func simulatedTags(cfg *config.Config) []*sim.Tag {
	tags := make([]*sim.Tag, 0, cfg.Sim.Tags)
	for i := 1; i <= cfg.Sim.Tags; i++ {
		battery := uint8(100 - i%100)
		t := sim.NewTag(fmt.Sprintf("00:0B:57:00:%02X:%02X", i>>8&0xff, i&0xff), cfg.Scan.PeripheralName, adv.Reading{
			Temperature:  20 + float64(i%10)/2,
			Humidity:     40 + float64(i%20),
			BatteryLevel: &battery,
		})
		t.LossRate = cfg.Sim.LossRate
		tags = append(tags, t)
	}
	return tags
}

func reportStatus(ctx context.Context, gw *gateway.Gateway, w io.Writer, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := gw.Status(ctx)
			if err != nil {
				return
			}
			_ = displayStatus(w, st)
		}
	}
}
