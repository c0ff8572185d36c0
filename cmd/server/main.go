package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"example.com/staticservlet/internal/config"
	"example.com/staticservlet/internal/handlers/staticfileserver"
	"example.com/staticservlet/internal/logger"
	"example.com/staticservlet/internal/router"
	"example.com/staticservlet/internal/server"
)

// portEnvKey overrides both the port argument and the configured address.
const portEnvKey = "PORT"

type serveCommand struct {
	configPath string
	root       string
	logLevel   string
}

func main() {
	c := &serveCommand{}
	cmd := &cobra.Command{
		Use:          "staticservlet [port]",
		Short:        "Serve static files and directory listings over HTTP",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE:         c.run,
	}
	cmd.Flags().StringVarP(&c.configPath, "config", "c", "", "path to a JSON, TOML or YAML configuration file")
	cmd.Flags().StringVarP(&c.root, "root", "r", ".", "document root served at / when no configuration file is given")
	cmd.Flags().StringVar(&c.logLevel, "log-level", "", "override logging.log_level (DEBUG, INFO, WARNING, ERROR)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (c *serveCommand) run(cmd *cobra.Command, args []string) error {
	argPort := ""
	if len(args) == 1 {
		argPort = args[0]
	}
	cfg, err := c.loadConfig(argPort, os.Getenv(portEnvKey))
	if err != nil {
		return err
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := lg.CloseLogFiles(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing log files: %v\n", err)
		}
	}()

	registry := server.NewHandlerRegistry()
	if err := registry.Register(config.StaticFileServerHandlerType, staticfileserver.Factory(cfg.OriginalFilePath)); err != nil {
		return err
	}

	rt, err := router.NewRouter(cfg.Routing.Routes, registry, lg)
	if err != nil {
		lg.Error("Failed to initialize router", logger.LogFields{"error": err.Error()})
		return err
	}

	srv, err := server.NewServer(cfg, lg, rt)
	if err != nil {
		lg.Error("Failed to initialize server", logger.LogFields{"error": err.Error()})
		return err
	}

	stopped := make(chan struct{})
	bannerDone := make(chan struct{})
	go func() {
		defer close(bannerDone)
		announceWhenReady(cmd.OutOrStdout(), srv.Ready(), stopped, srv.Addrs)
	}()

	lg.Info("Starting server", logger.LogFields{"address": *cfg.Server.Address, "config": cfg.OriginalFilePath})
	err = srv.Start()
	close(stopped)
	<-bannerDone
	if err != nil {
		lg.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		return err
	}
	return nil
}

// loadConfig reads the configuration file if one was given, or serves c.root at
// "/" otherwise, then applies the port and log level overrides.
func (c *serveCommand) loadConfig(argPort, envPort string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.LoadConfig(c.configPath)
	} else {
		cfg, err = config.DefaultConfig(c.root)
	}
	if err != nil {
		return nil, err
	}

	addr, err := config.ResolveListenAddress(cfg.Server.Address, argPort, envPort)
	if err != nil {
		return nil, err
	}
	cfg.Server.Address = &addr

	if c.logLevel != "" {
		cfg.Logging.LogLevel = config.LogLevel(strings.ToUpper(c.logLevel))
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// bannerURL is the address users should open for a listener bound to addr.
func bannerURL(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "http://" + addr.String() + "/"
	}
	host := "localhost"
	if ip := tcp.IP; ip != nil && !ip.IsUnspecified() && !ip.IsLoopback() {
		host = ip.String()
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(tcp.Port)) + "/"
}

// announceWhenReady prints a banner per listener once ready is closed. It
// returns without printing if stopped is closed first.
func announceWhenReady(w io.Writer, ready, stopped <-chan struct{}, addrs func() []net.Addr) {
	select {
	case <-ready:
	case <-stopped:
		return
	}
	for _, addr := range addrs() {
		printBanner(w, addr)
	}
}

func printBanner(w io.Writer, addr net.Addr) {
	color.New(color.FgGreen).Fprint(w, "Http Server running at ")
	color.New(color.FgCyan, color.Bold).Fprintln(w, bannerURL(addr))
}
