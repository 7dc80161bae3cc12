package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/relay-controller/internal/bus"
	"github.com/thatsimonsguy/relay-controller/internal/config"
	"github.com/thatsimonsguy/relay-controller/internal/logging"
	"github.com/thatsimonsguy/relay-controller/internal/modbus"
	"github.com/thatsimonsguy/relay-controller/internal/model"
)

var slaveIDCmd = &cobra.Command{
	Use:   "slave-id",
	Short: "Read or program the address of a single board on the line",
	Long: `Reads or writes the board's address register using the broadcast address.
Only one board may be connected while this runs.`,
}

var slaveIDGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the address of the connected board",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBoard(func(ctx context.Context, c *modbus.Client) error {
			id, err := c.ReadSlaveID(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", id)
			return nil
		})
	},
}

var slaveIDSetCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "Program a new address into the connected board",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := model.ParseSlaveAddress(args[0])
		if err != nil {
			return err
		}
		return withBoard(func(ctx context.Context, c *modbus.Client) error {
			if err := c.WriteSlaveID(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "slave id set to %d, power-cycle the board to apply\n", id)
			return nil
		})
	},
}

func init() {
	slaveIDCmd.AddCommand(slaveIDGetCmd, slaveIDSetCmd)
	rootCmd.AddCommand(slaveIDCmd)
}

// withBoard opens the serial line without a slave whitelist and runs fn once
// connected.
func withBoard(fn func(ctx context.Context, c *modbus.Client) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err := logging.Init(cfg.LogLevel, "", "console"); err != nil {
		return err
	}

	arbiter := bus.New(bus.Config{MinSpacing: cfg.Bus.MinSpacing(), Timeout: cfg.Bus.Timeout()})
	defer arbiter.Close()

	client := modbus.NewClient(modbus.NewRTUTransport(modbus.SerialConfig{
		Port:     cfg.Serial.Port,
		BaudRate: cfg.Serial.BaudRate,
		DataBits: cfg.Serial.DataBits,
		StopBits: cfg.Serial.StopBits,
		Parity:   cfg.Serial.Parity,
		Timeout:  cfg.Serial.Timeout(),
	}), arbiter, modbus.Config{
		DefaultSlave: model.SlaveAddress(cfg.Serial.DefaultSlaveID),
		SettleDelay:  cfg.Bus.SettleDelay(),
		// one shot; Close cancels the retry
		ReconnectDelay: cfg.Bus.ReconnectDelay(),
	})
	defer client.Close()

	client.Connect()
	if client.State() != modbus.Connected {
		return fmt.Errorf("could not open %s", cfg.Serial.Port)
	}
	return fn(ctx, client)
}
