package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/relay-controller/internal/config"
	"github.com/thatsimonsguy/relay-controller/system/startup"
)

var (
	unitPath    string
	serviceUser string
	enableUnit  bool
)

var installCmd = &cobra.Command{
	Use:   "install-service",
	Short: "Write a systemd unit that runs this binary with the current config",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		bin, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		wd, err := os.Getwd()
		if err != nil {
			return err
		}

		err = startup.InstallService(unitPath, startup.UnitOptions{
			Binary:     bin,
			ConfigFile: cfg.ConfigFile,
			User:       serviceUser,
			WorkingDir: wd,
			SerialPort: cfg.Serial.Port,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", unitPath)

		if enableUnit {
			return startup.EnableService(unitPath)
		}
		return nil
	},
}

func init() {
	installCmd.Flags().StringVar(&unitPath, "unit", startup.DefaultUnitPath, "unit file to write")
	installCmd.Flags().StringVar(&serviceUser, "user", "", "user the service runs as")
	installCmd.Flags().BoolVar(&enableUnit, "enable", false, "run systemctl daemon-reload and enable")
	rootCmd.AddCommand(installCmd)
}
