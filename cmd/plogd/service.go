package main

import (
	"fmt"
	"os"

	"github.com/plogd/plogd/internal/svc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the plogd system service",
		Long: `Install, control, and manage plogd as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo plogd service install --config /etc/plogd/plogd.yaml
  sudo plogd service start
  sudo plogd service status
  sudo plogd service logs --follow`,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install plogd as a system service",
		Long: `Install plogd as a system service that starts automatically at boot.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	for _, sub := range []struct {
		use, short string
		run        func(*cobra.Command, []string) error
	}{
		{"uninstall", "Remove the plogd system service", runServiceUninstall},
		{"start", "Start the plogd service", runServiceControl("start", svc.Start)},
		{"stop", "Stop the plogd service", runServiceControl("stop", svc.Stop)},
		{"restart", "Restart the plogd service", runServiceControl("restart", svc.Restart)},
		{"status", "Show plogd service status", runServiceStatus},
	} {
		serviceCmd.AddCommand(&cobra.Command{Use: sub.use, Short: sub.short, RunE: sub.run})
	}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View plogd service logs",
		Long: `View logs from the plogd service.

Log locations by platform:
  - Linux:   journalctl -u plogd
  - macOS:   /var/log/plogd.{out,err}.log
  - Windows: Event Viewer > Application log`,
		RunE: runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", svc.DefaultServiceName, "service name")
	return serviceCmd
}

func getServiceConfig() *svc.ServiceConfig {
	cfg := svc.NewDefaultServiceConfig()
	if serviceName != "" {
		cfg.Name = serviceName
	}
	if cfgFile != "" {
		cfg.ConfigPath = cfgFile
	}
	cfg.UserName = serviceUser
	return cfg
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging(logLevel)

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or specify a different path with --config", cfg.ConfigPath)
	}

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Service %q installed successfully.\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "\nTo start the service:\n  plogd service start --name %s\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "\nTo view logs:\n  plogd service logs --name %s\n", cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	setupLogging(logLevel)

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	log.Info().Str("name", cfg.Name).Msg("uninstalling service")
	if err := svc.Uninstall(cfg); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled successfully.\n", cfg.Name)
	return nil
}

func runServiceControl(action string, control func(*svc.ServiceConfig) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		setupLogging(logLevel)

		if err := svc.CheckPrivileges(); err != nil {
			return err
		}

		cfg := getServiceConfig()
		log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")
		if err := control(cfg); err != nil {
			return err
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", cfg.Name, action)
		return nil
	}
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	setupLogging(logLevel)

	cfg := getServiceConfig()
	out := cmd.OutOrStdout()

	status, err := svc.Status(cfg)
	_, _ = fmt.Fprintf(out, "Service: %s\n", cfg.Name)
	if err != nil {
		_, _ = fmt.Fprintf(out, "Status:  not installed or unknown\n")
		_, _ = fmt.Fprintf(out, "Error:   %v\n", err)
		return nil
	}
	_, _ = fmt.Fprintf(out, "Status:  %s\n", svc.StatusString(status))
	_, _ = fmt.Fprintf(out, "Config:  %s\n", cfg.ConfigPath)
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	return svc.ViewLogs(svc.LogOptions{
		ServiceName: getServiceConfig().Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}
