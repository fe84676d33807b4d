package runtime

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/InsulaLabs/synap/broker"
	"github.com/InsulaLabs/synap/client"
	"github.com/InsulaLabs/synap/config"
	"github.com/InsulaLabs/synap/internal/sshchat"
	"github.com/InsulaLabs/synap/service"
	"github.com/InsulaLabs/synap/store"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// Runtime manages the execution of synapd, handling configuration,
// signal processing, and the lifecycle of the broker and its serving
// surfaces.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	cfg        *config.Server
	configFile string
	rawArgs    []string // To allow flag parsing within New

	currentLogLevel slog.Level
}

// New creates a new Runtime instance.
// It initializes the application context, sets up signal handling,
// parses command-line flags, and loads the broker configuration.
func New(args []string, defaultConfigFile string) (*Runtime, error) {

	r := &Runtime{
		rawArgs: args,
	}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "synapdRuntime")

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
		r.appCancel()
	}()

	var genConfigFile string
	// Parse flags
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the broker configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new broker configuration file to a given path.")

	if err := fs.Parse(r.rawArgs); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		cfg, err := config.GenerateConfig(genConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to generate configuration: %w", err)
		}

		yamlData, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal generated config to YAML: %w", err)
		}

		dir := filepath.Dir(genConfigFile)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for config file %s: %w", genConfigFile, err)
			}
		}

		if err := os.WriteFile(genConfigFile, yamlData, 0644); err != nil {
			return nil, fmt.Errorf("failed to write generated configuration to %s: %w", genConfigFile, err)
		}

		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		os.Exit(0)
	}

	var err error
	r.cfg, err = config.LoadConfig(r.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	r.currentLogLevel = r.cfg.Logging.SlogLevel()
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: r.currentLogLevel,
	})).With("service", "synapdRuntime")

	return r, nil
}

// Run builds the message store, the broker, and the serving surfaces,
// then blocks until a shutdown signal arrives and everything has
// drained. Teardown order is the reverse of construction: the HTTP
// server and SSH server stop taking sessions first, then the broker
// stops its sweeper, then the store closes.
func (r *Runtime) Run() error {
	if r.cfg == nil {
		r.logger.Info("Runtime.Run called without a loaded configuration. Nothing to run.")
		return nil
	}

	r.banner()

	if r.cfg.TLS.Cert != "" {
		if err := r.ensureTLSMaterial(); err != nil {
			return err
		}
	}

	st, err := store.New(store.Config{
		Logger:         r.logger.WithGroup("store"),
		BadgerLogLevel: r.currentLogLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer st.Close()

	b, err := broker.New(broker.Config{
		Logger:               r.logger.WithGroup("broker"),
		Messages:             st,
		MessageTTL:           r.cfg.Retention.MessageTTL,
		SweepInterval:        r.cfg.Retention.SweepInterval,
		IdleIdentityEviction: r.cfg.Retention.IdleIdentityEviction,
	})
	if err != nil {
		return fmt.Errorf("failed to build broker: %w", err)
	}
	defer b.Close()

	svc, err := service.New(r.appCtx, r.logger.WithGroup("service"), r.cfg, b)
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}

	var wg sync.WaitGroup
	if r.cfg.SSH.Enabled {
		sshSrv, err := r.buildSSHChat()
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sshSrv.Run(r.appCtx); err != nil {
				r.logger.Error("SSH chat server exited with error", "error", err)
				r.appCancel()
			}
		}()
	}

	svc.Run()
	wg.Wait()
	return nil
}

// buildSSHChat wires the SSH surface to the local broker through the
// regular client so SSH sessions exercise the same API path as any
// other subscriber.
func (r *Runtime) buildSSHChat() (*sshchat.Server, error) {
	cl, err := client.NewClient(&client.Config{
		HostPort:     r.cfg.HttpBinding,
		ClientDomain: r.cfg.ClientDomain,
		SkipVerify:   r.cfg.ClientSkipVerify,
		Logger:       r.logger.WithGroup("sshchat").WithGroup("client"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build client for SSH chat: %w", err)
	}

	srv, err := sshchat.New(r.logger, r.cfg.SSH, cl)
	if err != nil {
		return nil, fmt.Errorf("failed to build SSH chat server: %w", err)
	}
	return srv, nil
}

func (r *Runtime) banner() {
	color.HiMagenta("[ S Y N A P ]")
	color.Cyan("http %s", r.cfg.HttpBinding)
	if r.cfg.SSH.Enabled {
		color.Cyan("ssh  %s", r.cfg.SSH.Binding)
	}
}

// Wait blocks until the runtime context has been canceled.
func (r *Runtime) Wait() {
	<-r.appCtx.Done()
	r.logger.Info("Runtime has been shut down.")
}

// Stop gracefully shuts down the runtime by canceling its context.
func (r *Runtime) Stop() {
	r.logger.Info("Runtime stop requested.")
	r.appCancel()
}
