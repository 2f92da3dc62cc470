package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	server "github.com/toastsandwich/epoll-learn/httpd"
	"github.com/toastsandwich/epoll-learn/httpd/internal/config"
	"golang.org/x/sys/unix"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func showUsage(w io.Writer, name string) int {
	fmt.Fprintf(w, "Usage: %s [-h, --help] <-p, --port PORT> DIR\n", name)
	return 1
}

// run returns the process exit status: 0 on clean shutdown, 1 for usage
// errors, 2 for anything fatal.
func run(args []string, stdout, stderr io.Writer) int {
	name := args[0]

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		port    = fs.IntP("port", "p", 0, "port to listen on")
		help    = fs.BoolP("help", "h", false, "show usage")
		cfgPath = fs.StringP("config", "c", "", "YAML config file")
		workers = fs.IntP("workers", "w", 0, "number of worker goroutines")
	)
	if err := fs.Parse(args[1:]); err != nil || *help {
		return showUsage(stdout, name)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	// a port has to come from somewhere explicit
	if !fs.Changed("port") && *cfgPath == "" && os.Getenv("HTTPD_PORT") == "" {
		return showUsage(stdout, name)
	}
	if fs.Changed("port") {
		cfg.Server.Port = *port
	}
	if *workers > 0 {
		cfg.Workers.Count = *workers
	}
	if fs.NArg() > 0 {
		cfg.Site.Root = fs.Arg(0)
	}
	if cfg.Site.Root == "" {
		fmt.Fprintln(stderr, "Expected argument after options")
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	s, err := server.NewHTTPServer(&server.HTTPServerOpts{
		Addr: cfg.Server.Host,
		Port: cfg.Server.Port,

		Root:       cfg.Site.Root,
		ServerName: cfg.Site.ServerName,

		Workers:       cfg.Workers.Count,
		QueueCapacity: cfg.Workers.QueueCapacity,
		MaxEvents:     cfg.Server.MaxEvents,
		Backlog:       cfg.Server.Backlog,
		MaxLine:       cfg.Site.MaxLine,

		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,

		Logger: logger,
	})
	if err != nil {
		logger.WithError(err).WithField("addr", cfg.ServerAddress()).Error("could not start server")
		return 2
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigC)

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case sig := <-sigC:
			logger.WithField("signal", sig).Info("shutting down")
			s.Shutdown()
		case <-stopped:
		}
	}()

	fmt.Fprintf(stdout, "Httpd is running. (port=%d, site=%s)\n", s.Port(), cfg.Site.Root)
	err = s.ListenAndServe()
	fmt.Fprintf(stdout, "\nHttpd is shut down\n")
	if err != nil {
		logger.WithError(err).Error("server stopped")
		return 2
	}
	return 0
}

func newLogger(c config.LogConfig, out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
