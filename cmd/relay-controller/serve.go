package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/api"
	"github.com/thatsimonsguy/relay-controller/internal/bus"
	"github.com/thatsimonsguy/relay-controller/internal/config"
	"github.com/thatsimonsguy/relay-controller/internal/datadog"
	"github.com/thatsimonsguy/relay-controller/internal/logging"
	"github.com/thatsimonsguy/relay-controller/internal/metrics"
	"github.com/thatsimonsguy/relay-controller/internal/modbus"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/mqtt"
	"github.com/thatsimonsguy/relay-controller/internal/notifications"
	"github.com/thatsimonsguy/relay-controller/internal/reconciler"
	"github.com/thatsimonsguy/relay-controller/internal/schedule"
	"github.com/thatsimonsguy/relay-controller/internal/store"
	"github.com/thatsimonsguy/relay-controller/internal/tz"
	"github.com/thatsimonsguy/relay-controller/system/shutdown"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logCloser, err := logging.Init(cfg.LogLevel, cfg.LogFile, cfg.LogFormat)
	if err != nil {
		return err
	}

	var seq shutdown.Sequence

	log.Info().
		Str("config", cfg.ConfigFile).
		Str("port", cfg.Serial.Port).
		Ints("slaves", cfg.Slaves).
		Msg("Starting relay controller")

	zone, err := tz.Load(cfg.Scheduler.Timezone)
	if err != nil {
		return err
	}

	sink, metricsHandler, err := buildMetrics(cfg)
	if err != nil {
		return err
	}

	arbiter := bus.New(bus.Config{
		MinSpacing: cfg.Bus.MinSpacing(),
		Timeout:    cfg.Bus.Timeout(),
		Metrics:    sink,
	})
	transport := modbus.NewRTUTransport(modbus.SerialConfig{
		Port:     cfg.Serial.Port,
		BaudRate: cfg.Serial.BaudRate,
		DataBits: cfg.Serial.DataBits,
		StopBits: cfg.Serial.StopBits,
		Parity:   cfg.Serial.Parity,
		Timeout:  cfg.Serial.Timeout(),
	})
	client := modbus.NewClient(transport, arbiter, modbus.Config{
		Slaves:         cfg.SlaveAddresses(),
		DefaultSlave:   model.SlaveAddress(cfg.Serial.DefaultSlaveID),
		SettleDelay:    cfg.Bus.SettleDelay(),
		ReconnectDelay: cfg.Bus.ReconnectDelay(),
	})

	st := store.New(cfg.Store.Path, model.SchedulePolicy(cfg.Scheduler.Policy), zone)
	if err := st.Init(); err != nil {
		return err
	}

	opts := reconciler.Options{
		TickInterval:      cfg.Scheduler.TickInterval(),
		TurnOffOnShutdown: cfg.Scheduler.ShutdownTurnOff(),
		Metrics:           sink,
	}

	var historyDB *sql.DB
	if cfg.History.Enabled {
		historyDB, err = db.Open(cfg.History.DBPath)
		if err != nil {
			return err
		}
		opts.History = db.Recorder{DB: historyDB}
	}

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher, err = mqtt.Connect(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		})
		if err != nil {
			log.Warn().Err(err).Msg("MQTT unavailable, continuing without state publishing")
			publisher = nil
		} else {
			opts.Publisher = publisher
		}
	}

	notifier := notifications.New("", cfg.Notifications.NtfyTopic)
	watchBus(client, sink, publisher, notifier, cfg.Serial.Port)

	rec := reconciler.New(client, st, schedule.NewEvaluator(zone), opts)

	server, err := api.New(api.Deps{
		Device:     client,
		Reconciler: rec,
		Zone:       zone,
		History:    historyDB,
		Metrics:    metricsHandler,
	})
	if err != nil {
		return err
	}

	// teardown runs in registration order
	seq.Add("api", func(context.Context) error { return server.Close() })
	seq.Add("reconciler", func(ctx context.Context) error {
		rec.Shutdown(ctx)
		return nil
	})
	seq.AddFunc("modbus client", client.Close)
	seq.AddFunc("bus arbiter", arbiter.Close)
	if publisher != nil {
		seq.AddFunc("mqtt", publisher.Close)
	}
	if historyDB != nil {
		seq.Add("history db", func(context.Context) error { return historyDB.Close() })
	}
	seq.Add("log file", func(context.Context) error { return logCloser.Close() })

	client.Connect()

	go rec.Run(ctx)

	if err := server.Start(cfg.API.Addr()); err != nil {
		seq.ShutdownWithError(err, "Failed to start API server")
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdown.DefaultTimeout)
	defer cancel()
	return seq.Run(shutdownCtx)
}

func buildMetrics(cfg *config.Config) (metrics.Sink, http.Handler, error) {
	var sinks []metrics.Sink
	var handler http.Handler

	if cfg.Metrics.PrometheusEnabled {
		prom, err := metrics.NewPromSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, nil, fmt.Errorf("prometheus sink: %w", err)
		}
		sinks = append(sinks, prom)
		handler = promhttp.Handler()
	}
	if cfg.Metrics.DatadogEnabled {
		// New returns a nil *Sink on failure; a typed nil must not reach the
		// multi sink
		if dd := datadog.New(cfg.Metrics.DatadogAddr, cfg.Metrics.Namespace+".", cfg.Metrics.Tags); dd != nil {
			sinks = append(sinks, dd)
		}
	}

	switch len(sinks) {
	case 0:
		return metrics.NopSink{}, handler, nil
	case 1:
		return sinks[0], handler, nil
	default:
		return metrics.NewMultiSink(sinks...), handler, nil
	}
}

// watchBus reports serial link transitions to metrics, MQTT and ntfy.
func watchBus(client *modbus.Client, sink metrics.Sink, pub *mqtt.Publisher, n *notifications.Notifier, port string) {
	var (
		mu           sync.Mutex
		wasConnected bool
	)
	client.OnStateChange(func(s modbus.State) {
		mu.Lock()
		defer mu.Unlock()

		connected := s == modbus.Connected
		sink.RecordConnection(connected)
		if pub != nil {
			go pub.PublishBusState(connected)
		}

		switch {
		case connected && !wasConnected:
			log.Info().Str("port", port).Msg("Modbus link up")
		case s == modbus.Disconnected && wasConnected:
			n.SendAsync("Relay bus disconnected", fmt.Sprintf("Lost Modbus link on %s, reconnecting", port))
		}
		if s != modbus.Connecting {
			wasConnected = connected
		}
	})
}
