// Package daemon installs spawner as a systemd unit or launchd agent.
package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"
)

// DefaultName is the service name used when none is given.
const DefaultName = "spawner"

// Config holds the parameters rendered into the service definition.
type Config struct {
	Name       string
	BinaryPath string
	ConfigPath string
	User       string
	// EnvFile is an optional systemd EnvironmentFile, typically holding
	// SPAWNER_BUILDKITE_TOKEN and SPAWNER_CONFIG_KEY.
	EnvFile string
	// UnitDir overrides where unit files are written. Empty means the
	// platform default.
	UnitDir string
}

// Status holds the state of an installed service.
type Status struct {
	Running bool
	PID     int
}

// DefaultConfig returns a Config for the running binary.
func DefaultConfig() Config {
	binary, err := os.Executable()
	if err != nil || binary == "" {
		binary = "/usr/local/bin/spawner"
	}
	return Config{
		Name:       DefaultName,
		BinaryPath: binary,
		ConfigPath: "/etc/spawner/spawner.yaml",
	}
}

// Validate checks that the binary and config exist.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("service name is required")
	}
	info, err := os.Stat(c.BinaryPath)
	if err != nil {
		return fmt.Errorf("binary %q: %w", c.BinaryPath, err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("binary %q is not executable", c.BinaryPath)
	}
	if !filepath.IsAbs(c.ConfigPath) {
		return fmt.Errorf("config path %q must be absolute", c.ConfigPath)
	}
	if _, err := os.Stat(c.ConfigPath); err != nil {
		return fmt.Errorf("config %q: %w", c.ConfigPath, err)
	}
	return nil
}

// Render returns the service definition for the current platform.
func Render(cfg Config) (string, error) {
	switch runtime.GOOS {
	case "linux":
		return RenderSystemdUnit(cfg)
	case "darwin":
		return RenderLaunchdPlist(cfg)
	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Install writes and starts the service on the current platform.
func Install(cfg Config) error {
	switch runtime.GOOS {
	case "linux":
		return installSystemd(cfg)
	case "darwin":
		return installLaunchd(cfg)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Uninstall stops and removes the service. Missing services are not an error.
func Uninstall(cfg Config) error {
	switch runtime.GOOS {
	case "linux":
		return uninstallSystemd(cfg)
	case "darwin":
		return uninstallLaunchd(cfg)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// QueryStatus reports whether the service is running.
func QueryStatus(name string) (*Status, error) {
	switch runtime.GOOS {
	case "linux":
		return statusSystemd(name)
	case "darwin":
		return statusLaunchd(name)
	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func render(name, text string, cfg Config) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func runAll(cmds [][]string) error {
	for _, args := range cmds {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			return fmt.Errorf("%s: %s: %w", strings.Join(args, " "), bytes.TrimSpace(out), err)
		}
	}
	return nil
}

// --- systemd ---

// KillMode=process: SIGTERM goes to spawner only, so agents it already
// launched keep running across restarts. TimeoutStopSec covers a launch
// command that is still running at shutdown.
const systemdTemplate = `[Unit]
Description=Buildkite agent spawner ({{.Name}})
Wants=network-online.target
After=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} run --config {{.ConfigPath}}
{{- if .User}}
User={{.User}}
{{- end}}
{{- if .EnvFile}}
EnvironmentFile={{.EnvFile}}
{{- end}}
Restart=on-failure
RestartSec=5
KillMode=process
TimeoutStopSec=300

[Install]
WantedBy=multi-user.target
`

// RenderSystemdUnit renders the systemd unit file.
func RenderSystemdUnit(cfg Config) (string, error) {
	return render("systemd", systemdTemplate, cfg)
}

func systemdUnitPath(cfg Config) string {
	dir := cfg.UnitDir
	if dir == "" {
		dir = "/etc/systemd/system"
	}
	return filepath.Join(dir, cfg.Name+".service")
}

func installSystemd(cfg Config) error {
	content, err := RenderSystemdUnit(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(systemdUnitPath(cfg), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	return runAll([][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", "--now", cfg.Name},
	})
}

func uninstallSystemd(cfg Config) error {
	exec.Command("systemctl", "disable", "--now", cfg.Name).Run() // best effort
	if err := os.Remove(systemdUnitPath(cfg)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	exec.Command("systemctl", "daemon-reload").Run()
	return nil
}

func statusSystemd(name string) (*Status, error) {
	out, _ := exec.Command("systemctl", "is-active", name).Output()
	status := &Status{Running: strings.TrimSpace(string(out)) == "active"}
	if !status.Running {
		return status, nil
	}
	if pidOut, err := exec.Command("systemctl", "show", "--property=MainPID", "--value", name).Output(); err == nil {
		status.PID, _ = strconv.Atoi(strings.TrimSpace(string(pidOut)))
	}
	return status, nil
}

// --- launchd ---

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Name}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>run</string>
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>AbandonProcessGroup</key>
    <true/>
</dict>
</plist>
`

// RenderLaunchdPlist renders the launchd plist.
func RenderLaunchdPlist(cfg Config) (string, error) {
	return render("launchd", launchdTemplate, cfg)
}

func launchdPlistPath(cfg Config) (string, error) {
	dir := cfg.UnitDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, "Library", "LaunchAgents")
	}
	return filepath.Join(dir, cfg.Name+".plist"), nil
}

func installLaunchd(cfg Config) error {
	content, err := RenderLaunchdPlist(cfg)
	if err != nil {
		return err
	}
	path, err := launchdPlistPath(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	return runAll([][]string{{"launchctl", "load", path}})
}

func uninstallLaunchd(cfg Config) error {
	path, err := launchdPlistPath(cfg)
	if err != nil {
		return err
	}
	exec.Command("launchctl", "unload", path).Run() // best effort
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func statusLaunchd(name string) (*Status, error) {
	out, err := exec.Command("launchctl", "list", name).CombinedOutput()
	if err != nil {
		return &Status{}, nil
	}
	status := &Status{Running: true}
	for _, line := range strings.Split(string(out), "\n") {
		// "PID" = 1234;
		if strings.Contains(line, `"PID"`) {
			fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(line), ";"))
			if len(fields) > 0 {
				status.PID, _ = strconv.Atoi(fields[len(fields)-1])
			}
		}
	}
	return status, nil
}
