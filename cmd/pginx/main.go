// Command pginx is the server's entry point: it validates the config
// path, parses the configuration, optionally dumps it as YAML for
// inspection, and runs the connection manager until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/aofei/pginx/config"
	"github.com/aofei/pginx/filecache"
	"github.com/aofei/pginx/logging"
	"github.com/aofei/pginx/netio"
)

// defaultConfigPath is the fallback configuration file used when no path
// is given on the command line.
const defaultConfigPath = "config/default.conf"

// maxPathLength rejects a config path longer than this before ever
// touching the filesystem.
const maxPathLength = 30

func main() {
	printConfig := flag.Bool("print-config", false, "parse the configuration and dump it as YAML, then exit")
	flag.Parse()

	path, warnDefault, err := validateConfigPath(flag.Args())
	if err != nil {
		fail(err)
	}
	if warnDefault {
		fmt.Fprintf(os.Stderr, "warning: no config path given, using %s\n", path)
	}

	log := logging.New("pginx")

	container, err := config.ParseFile(path)
	if err != nil {
		fail(fmt.Errorf("failed to parse %s: %w", path, err))
	}

	if *printConfig {
		b, err := yaml.Marshal(container)
		if err != nil {
			fail(fmt.Errorf("failed to marshal config: %w", err))
		}
		os.Stdout.Write(b)
		return
	}

	cache, err := filecache.New(32<<20, func(err error) {
		log.Errorf("filecache watcher: %v", err)
	})
	if err != nil {
		fail(fmt.Errorf("failed to start file cache: %w", err))
	}
	defer cache.Close()

	mgr, err := netio.New(container, cache, log)
	if err != nil {
		fail(fmt.Errorf("failed to initialize connection manager: %w", err))
	}

	if err := mgr.ListenAll(); err != nil {
		fail(fmt.Errorf("failed to bind listeners: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("shutting down")
		cancel()
	}()

	log.Infof("serving %s", path)
	if err := mgr.Serve(ctx); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

// fail prints "Error: <message>" to stderr and exits 1. Every startup
// failure is reported this way regardless of the logger's own format.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	os.Exit(1)
}

// validateConfigPath checks the command line: zero arguments selects
// defaultConfigPath (and asks the caller to warn about it), one argument
// must name a path ending in ".conf" whose length is in [5,30], and
// anything else is a usage error.
func validateConfigPath(args []string) (path string, warnDefault bool, err error) {
	switch len(args) {
	case 0:
		return defaultConfigPath, true, nil
	case 1:
		p := args[0]
		if err := validConfExtension(p); err != nil {
			return "", false, err
		}
		return p, false, nil
	default:
		return "", false, fmt.Errorf("usage: pginx [-print-config] [config-path]")
	}
}

func validConfExtension(p string) error {
	if len(p) < 5 || len(p) > maxPathLength {
		return fmt.Errorf("config path %q must be between 5 and %d characters", p, maxPathLength)
	}

	dot := strings.LastIndexByte(p, '.')
	if dot <= 0 || dot == len(p)-1 {
		return fmt.Errorf("config path %q must have a file extension", p)
	}
	if strings.IndexByte(p, '.') != dot {
		return fmt.Errorf("config path %q must contain exactly one '.'", p)
	}
	if p[dot+1:] != "conf" {
		return fmt.Errorf("config path %q must end in .conf", p)
	}

	return nil
}
