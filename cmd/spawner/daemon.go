package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/pflag"

	"agent-spawner/cmd/spawner/daemon"
)

func daemonCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing subcommand (install, uninstall, status, unit)")
	}
	sub, args := args[0], args[1:]

	def := daemon.DefaultConfig()
	fs := pflag.NewFlagSet("daemon "+sub, pflag.ContinueOnError)
	name := fs.String("name", def.Name, "service name")
	cfgPath := fs.String("config", def.ConfigPath, "config file the service runs with")
	user := fs.String("user", "", "run the service as this user (systemd)")
	envFile := fs.String("env-file", "", "systemd EnvironmentFile with SPAWNER_* secrets")
	if err := fs.Parse(args); err != nil {
		return err
	}

	abs, err := filepath.Abs(*cfgPath)
	if err != nil {
		return err
	}
	cfg := daemon.Config{
		Name:       *name,
		BinaryPath: def.BinaryPath,
		ConfigPath: abs,
		User:       *user,
		EnvFile:    *envFile,
	}

	switch sub {
	case "install":
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := daemon.Install(cfg); err != nil {
			return err
		}
		fmt.Printf("installed and started %s\n", cfg.Name)
	case "uninstall":
		if err := daemon.Uninstall(cfg); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", cfg.Name)
	case "status":
		st, err := daemon.QueryStatus(cfg.Name)
		if err != nil {
			return err
		}
		if st.Running {
			fmt.Printf("%s: running (pid %d)\n", cfg.Name, st.PID)
		} else {
			fmt.Printf("%s: not running\n", cfg.Name)
		}
	case "unit":
		out, err := daemon.Render(cfg)
		if err != nil {
			return err
		}
		fmt.Print(out)
	default:
		return fmt.Errorf("unknown subcommand: %s", sub)
	}
	return nil
}
