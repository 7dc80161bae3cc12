package startup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

const DefaultUnitPath = "/etc/systemd/system/relay-controller.service"

type UnitOptions struct {
	Binary     string
	ConfigFile string
	User       string
	WorkingDir string
	// SerialPort is waited on before start, e.g. /dev/ttyUSB0.
	SerialPort string
}

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=Modbus relay controller
After=network.target{{if .Device}} {{.Device}}{{end}}
{{- if .Device}}
BindsTo={{.Device}}
{{- end}}

[Service]
Type=simple
{{- if .User}}
User={{.User}}
{{- end}}
{{- if .WorkingDir}}
WorkingDirectory={{.WorkingDir}}
{{- end}}
ExecStart={{.Binary}} serve --config {{.ConfigFile}}
Restart=on-failure
RestartSec=5s
KillSignal=SIGTERM
TimeoutStopSec=20s

[Install]
WantedBy=multi-user.target
`))

// deviceUnit converts /dev/ttyUSB0 to dev-ttyUSB0.device.
func deviceUnit(port string) string {
	if !strings.HasPrefix(port, "/dev/") {
		return ""
	}
	name := strings.ReplaceAll(strings.TrimPrefix(port, "/"), "/", "-")
	return name + ".device"
}

func RenderUnit(opts UnitOptions) (string, error) {
	if opts.Binary == "" {
		return "", fmt.Errorf("binary path is required")
	}
	if opts.ConfigFile == "" {
		return "", fmt.Errorf("config file is required")
	}
	cfg, err := filepath.Abs(opts.ConfigFile)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	err = unitTemplate.Execute(&b, struct {
		UnitOptions
		ConfigFile string
		Device     string
	}{opts, cfg, deviceUnit(opts.SerialPort)})
	if err != nil {
		return "", fmt.Errorf("render unit: %w", err)
	}
	return b.String(), nil
}

// InstallService writes the unit file to path.
func InstallService(path string, opts UnitOptions) error {
	unit, err := RenderUnit(opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(unit), 0644); err != nil {
		return fmt.Errorf("write unit %s: %w", path, err)
	}
	return nil
}

// EnableService reloads systemd and enables the unit at path.
func EnableService(path string) error {
	name := filepath.Base(path)
	for _, args := range [][]string{{"daemon-reload"}, {"enable", name}} {
		cmd := exec.Command("systemctl", args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
		}
	}
	return nil
}
