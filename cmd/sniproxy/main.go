// Command sniproxy is the layer-4 SNI/HTTP Host reverse proxy's entry
// point: a cobra CLI wiring config, the event loop, listeners, graceful
// reload and the admin surface together, grounded on
// outrigdev-outrig/server/main-server.go's cobra root-command shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"

	"github.com/ankit-kulkarni/sniproxy/internal/admin"
	"github.com/ankit-kulkarni/sniproxy/internal/config"
	"github.com/ankit-kulkarni/sniproxy/internal/conn"
	"github.com/ankit-kulkarni/sniproxy/internal/netloop"
	"github.com/ankit-kulkarni/sniproxy/internal/reload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	root := &cobra.Command{
		Use:   "sniproxy",
		Short: "Layer-4 reverse proxy that routes TCP connections by TLS SNI or HTTP Host",
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/sniproxy/sniproxy.conf", "path to the configuration file")

	root.AddCommand(dumpCmd(log, &configPath))
	root.AddCommand(serveCmd(log, &configPath))

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	cfg, err := config.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// dumpCmd implements the "sniproxy dump" supplemented feature: parse the
// config and print it back out in its own syntax, so an operator can
// confirm the file parses the way they expect before reloading it.
func dumpCmd(log *logrus.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Parse the configuration file and print it back out",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return config.Dump(os.Stdout, cfg)
		},
	}
}

func serveCmd(log *logrus.Logger, configPath *string) *cobra.Command {
	var adminAddr string
	var pidFile string
	var watchConfig bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(log, *configPath, adminAddr, pidFile, watchConfig)
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "address for the admin HTTP/WebSocket surface (disabled if empty)")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "path to write the current process's pid")
	cmd.Flags().BoolVar(&watchConfig, "watch-config", true, "reload automatically when the config file changes")
	return cmd
}

func runServe(log *logrus.Logger, configPath, adminAddr, pidFile string, watchConfig bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	mgr, err := reload.New(reload.Options{
		PIDFile:     pidFile,
		ConfigPath:  configPath,
		WatchConfig: watchConfig,
	}, log)
	if err != nil {
		return err
	}
	defer mgr.Stop()

	loop, err := netloop.New(log)
	if err != nil {
		return fmt.Errorf("netloop: %w", err)
	}
	defer loop.Close()

	registry := conn.NewRegistry()

	for _, ln := range cfg.Listeners {
		if err := ln.Start(mgr.Upgrader(), loop, registry, log); err != nil {
			return fmt.Errorf("listener %s: %w", ln.Name(), err)
		}
	}

	if cfg.Username != "" {
		if err := dropPrivileges(cfg.Username); err != nil {
			return fmt.Errorf("drop privileges to %q: %w", cfg.Username, err)
		}
		log.WithField("user", cfg.Username).Info("dropped privileges")
	}

	var adminSrv *admin.Server
	if adminAddr != "" {
		adminSrv = admin.New(registry, log)
		go func() {
			if err := adminSrv.ListenAndServeActivated(adminAddr); err != nil {
				log.WithError(err).Warn("admin server exited")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigUsr1 := make(chan os.Signal, 1)
	signal.Notify(sigUsr1, syscall.SIGUSR1)
	go func() {
		for range sigUsr1 {
			path, err := admin.DumpToFile(registry, os.TempDir())
			if err != nil {
				log.WithError(err).Warn("connection dump failed")
				continue
			}
			log.WithField("path", path).Info("wrote connection dump")
		}
	}()

	go mgr.Run(ctx)

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(ctx) }()

	if err := mgr.Ready(); err != nil {
		cancel()
		return fmt.Errorf("reload: ready: %w", err)
	}
	log.Info("sniproxy ready")

	select {
	case <-mgr.Exit():
		log.Info("shutting down")
	case err := <-loopErr:
		if err != nil {
			log.WithError(err).Error("event loop exited with error")
		}
	}

	cancel()
	loop.Stop()
	if adminSrv != nil {
		_ = adminSrv.Shutdown()
	}
	return nil
}

// dropPrivileges switches the process to username's uid/gid. Supplemented
// feature grounded on config.c's `user` directive, which the original
// applies after binding every listener but before accepting any
// connections; the same ordering is followed in runServe.
func dropPrivileges(username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid %q: %w", u.Gid, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("invalid uid %q: %w", u.Uid, err)
	}
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("setgid: %w", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("setuid: %w", err)
	}
	return nil
}
