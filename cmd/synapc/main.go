package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/InsulaLabs/synap/client"
	"github.com/InsulaLabs/synap/config"
	"github.com/InsulaLabs/synap/internal/chat"
	"github.com/InsulaLabs/synap/models"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
)

var (
	logger     *slog.Logger
	configPath string
	target     string // host:port override so the CLI works without a config file
	skipVerify bool
)

func init() {
	logger = slog.New(log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
	}))

	flag.StringVar(&configPath, "config", "synap.yaml", "Path to the broker configuration file")
	flag.StringVar(&target, "target", "", "host:port of the broker. Overrides the config file.")
	flag.BoolVar(&skipVerify, "skip-verify", false, "Skip TLS certificate verification")
}

func getClient(clientLogger *slog.Logger) (*client.Client, error) {
	hostPort := target
	clientDomain := ""

	if hostPort == "" {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("no --target given and config %s is unusable: %w", configPath, err)
		}
		hostPort = cfg.HttpBinding
		clientDomain = cfg.ClientDomain
		skipVerify = skipVerify || cfg.ClientSkipVerify
	}

	c, err := client.NewClient(&client.Config{
		HostPort:     hostPort,
		ClientDomain: clientDomain,
		SkipVerify:   skipVerify,
		Logger:       clientLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", hostPort, err)
	}
	return c, nil
}

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	// 'chat' builds its own client with a quiet logger so nothing
	// writes over the TUI.
	var cli *client.Client
	var err error
	if command != "chat" {
		cli, err = getClient(logger.WithGroup("client"))
		if err != nil {
			logger.Error("Failed to initialize API client", "error", err)
			os.Exit(1)
		}
	}

	switch command {
	case "publish":
		handlePublish(cli, cmdArgs)
	case "subscribe":
		handleSubscribe(cli, cmdArgs)
	case "unsubscribe":
		handleUnsubscribe(cli, cmdArgs)
	case "status":
		handleStatus(cli, cmdArgs)
	case "watch":
		handleWatch(cli, cmdArgs)
	case "chat":
		handleChat(cmdArgs)
	default:
		logger.Error("Unknown command", "command", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: synapc [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  publish <topic> <payload>\n")
	fmt.Fprintf(os.Stderr, "  subscribe <identity> <topic> [topic...]\n")
	fmt.Fprintf(os.Stderr, "  unsubscribe <identity> <topic> [topic...]\n")
	fmt.Fprintf(os.Stderr, "  status\n")
	fmt.Fprintf(os.Stderr, "  watch <identity> [topic...]\n")
	fmt.Fprintf(os.Stderr, "  chat <identity> [topic...]\n")
}

func handlePublish(c *client.Client, args []string) {
	if len(args) != 2 {
		logger.Error("publish: requires <topic> <payload>")
		printUsage()
		os.Exit(1)
	}
	topic := args[0]
	payload := args[1]

	receipt, err := c.Publish(topic, payload)
	if err != nil {
		logger.Error("Publish failed", "topic", topic, "error", err)
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	logger.Info("Publish successful", "topic", topic, "published_at", receipt.PublishedAt)
	fmt.Println("OK")
}

func handleSubscribe(c *client.Client, args []string) {
	if len(args) < 2 {
		logger.Error("subscribe: requires <identity> <topic> [topic...]")
		printUsage()
		os.Exit(1)
	}
	identity := args[0]
	topics := args[1:]

	results, err := c.Subscribe(identity, topics...)
	if err != nil {
		logger.Error("Subscribe failed", "identity", identity, "error", err)
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	for _, result := range results {
		fmt.Printf("  %s: %s\n", result.Topic, result.Status)
	}
}

func handleUnsubscribe(c *client.Client, args []string) {
	if len(args) < 2 {
		logger.Error("unsubscribe: requires <identity> <topic> [topic...]")
		printUsage()
		os.Exit(1)
	}
	identity := args[0]
	topics := args[1:]

	results, err := c.Unsubscribe(identity, topics...)
	if err != nil {
		logger.Error("Unsubscribe failed", "identity", identity, "error", err)
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	for _, result := range results {
		fmt.Printf("  %s: %s\n", result.Topic, result.Status)
	}
}

func handleStatus(c *client.Client, args []string) {
	if len(args) != 0 {
		logger.Error("status: does not take arguments")
		printUsage()
		os.Exit(1)
	}

	status, err := c.Status()
	if err != nil {
		logger.Error("Status failed", "error", err)
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	fmt.Println("Broker Status:")
	fmt.Printf("  started_at: %s\n", status.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("  uptime: %s\n", status.Uptime)
	fmt.Printf("  message_ttl: %s\n", status.MessageTTL)
	fmt.Printf("  topics: %d\n", status.Topics)
	fmt.Printf("  identities: %d\n", status.Identities)
	fmt.Printf("  live_connections: %d\n", status.LiveConnections)
	fmt.Printf("  retained_messages: %d\n", status.RetainedMessages)
}

// handleWatch streams one identity's deliveries to stdout, one line per
// message, until interrupted. Topics given after the identity are
// subscribed first so a fresh identity can be watched in one step.
func handleWatch(c *client.Client, args []string) {
	if len(args) < 1 {
		logger.Error("watch: requires <identity> [topic...]")
		printUsage()
		os.Exit(1)
	}
	identity := args[0]
	topics := args[1:]

	if len(topics) > 0 {
		results, err := c.Subscribe(identity, topics...)
		if err != nil {
			logger.Error("Subscribe failed", "identity", identity, "error", err)
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		for _, result := range results {
			logger.Info("Subscription", "topic", result.Topic, "status", result.Status)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, requesting stream closure...", "signal", sig.String())
		cancel()
	}()

	cb := func(msg models.Message) {
		fmt.Printf("%s => published: %s received: %s => %s\n",
			msg.Topic,
			msg.PublishedAt.Local().Format("15:04:05"),
			time.Now().Format("15:04:05"),
			msg.Payload)
	}

	logger.Info("Watching stream", "identity", identity)
	err := c.Stream(ctx, identity, cb)
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		logger.Info("Watch finished.", "identity", identity)
	case errors.Is(err, client.ErrSuperseded):
		logger.Warn("Identity connected somewhere else, stream closed.", "identity", identity)
		fmt.Println("superseded")
		os.Exit(1)
	default:
		logger.Error("Watch failed", "identity", identity, "error", err)
		fmt.Println("Error:", err)
		os.Exit(1)
	}
}

func handleChat(args []string) {
	if len(args) < 1 {
		logger.Error("chat: requires <identity> [topic...]")
		printUsage()
		os.Exit(1)
	}
	identity := args[0]
	topics := args[1:]

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := getClient(quiet)
	if err != nil {
		logger.Error("Failed to initialize API client", "error", err)
		os.Exit(1)
	}

	model := chat.New(chat.Config{
		Client:   c,
		Identity: identity,
		Topics:   topics,
		Logger:   quiet,
	})

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err = p.Run()
	model.Shutdown()
	if err != nil {
		logger.Error("Chat session failed", "error", err)
		os.Exit(1)
	}
}
