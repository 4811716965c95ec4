package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"drover/internal/agent"
	"drover/internal/config"
	"drover/internal/gateway"
	"drover/internal/logging"
	"drover/internal/permission"
	"drover/internal/router"
)

var (
	// Global flags
	verbose       bool
	configPath    string
	mode          string
	timeout       time.Duration
	maxIterations int

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "drover - agent runtime for tool-using model conversations",
	Long: `drover drives bounded conversations between a streaming model backend
and a set of connected tool providers. Tool calls pass through a
permission gate before execution; providers speak JSON-RPC over stdio
or websocket.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run [instruction]",
	Short: "Run one conversation turn",
	Long: `Run sends an instruction to the model and executes the tool calls it
requests, feeding results back until the model answers in text or the
iteration bound is hit.`,
	Args: cobra.ExactArgs(1),
	RunE: runTurn,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tools reachable from configured providers",
	RunE:  listTools,
}

var completeCmd = &cobra.Command{
	Use:   "complete [prompt]",
	Short: "One-shot completion without tools",
	Args:  cobra.ExactArgs(1),
	RunE:  complete,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: .drover/config.json)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Turn timeout")

	runCmd.Flags().StringVarP(&mode, "mode", "m", "", "Execution mode: plan, ask, auto, yolo")
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Tool-use iteration bound (default 10)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(completeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads config and builds the loop's collaborators. The caller owns
// the returned router.
func setup(ctx context.Context) (*config.Config, gateway.Client, *permission.Gate, *router.Router, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if mode != "" {
		cfg.Execution.Mode = mode
	}
	if maxIterations > 0 {
		cfg.Execution.MaxIterations = maxIterations
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, nil, err
	}

	client, err := gateway.New(cfg.GatewayConfig(), logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	policy := permission.DefaultPolicy()
	if cfg.PolicyPath != "" {
		if policy, err = permission.LoadPolicy(cfg.PolicyPath); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	gate := permission.NewGate(policy, logger)

	rt := router.New(logger)
	for _, provider := range cfg.Providers {
		if !provider.Enabled {
			continue
		}
		var transport router.Transport
		switch provider.Transport {
		case "stdio":
			transport = router.NewStdioTransport(provider.Endpoint, logger)
		case "ws":
			transport = router.NewWSTransport(provider.Endpoint, logger)
		default:
			logger.Warn("skipping provider with unknown transport",
				zap.String("name", provider.Name),
				zap.String("transport", provider.Transport))
			continue
		}
		if _, err := rt.Connect(ctx, provider.Name, transport); err != nil {
			logger.Warn("tool provider unavailable", zap.String("name", provider.Name), zap.Error(err))
		}
	}

	if addr := cfg.Execution.ListenAddr; addr != "" {
		listener := router.NewListener(rt, logger)
		go func() {
			logger.Info("accepting remote tool providers", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, listener); err != nil {
				logger.Warn("listener stopped", zap.Error(err))
			}
		}()
	}

	return cfg, client, gate, rt, nil
}

func turnContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}

func runTurn(cmd *cobra.Command, args []string) error {
	ctx, cancel := turnContext()
	defer cancel()

	cfg, client, gate, rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	execMode, err := permission.ParseMode(cfg.Execution.Mode)
	if err != nil {
		return err
	}

	loop := agent.New(client, gate, rt, agent.Config{
		SystemPrompt:  cfg.Execution.SystemPrompt,
		Mode:          execMode,
		MaxIterations: cfg.Execution.MaxIterations,
		ToolTimeout:   cfg.ToolTimeout(),
	}, logger)

	events := loop.RunTurn(ctx, nil, args[0], execMode)
	stdin := bufio.NewReader(os.Stdin)

	for ev := range events {
		switch ev.Type {
		case agent.EventToken:
			fmt.Print(ev.Text)

		case agent.EventToolStart:
			fmt.Fprintf(os.Stderr, "\n[tool] %s\n", ev.ToolCall.Name)

		case agent.EventToolResult:
			if ev.ToolResult.IsError {
				fmt.Fprintf(os.Stderr, "[tool error] %s\n", ev.ToolResult.Content)
			}

		case agent.EventConfirm:
			approved := promptConfirmation(stdin, ev.ConfirmTool, ev.Reasons)
			if err := loop.ResolveConfirmation(ev.ConfirmID, approved); err != nil {
				logger.Warn("failed to resolve confirmation", zap.Error(err))
			}

		case agent.EventDone:
			fmt.Println()
			logger.Debug("turn complete",
				zap.Int("input_tokens", ev.Usage.InputTokens),
				zap.Int("output_tokens", ev.Usage.OutputTokens))

		case agent.EventError:
			return ev.Err
		}
	}
	return nil
}

// promptConfirmation asks the operator to approve a gated tool call. Any
// answer other than y/yes denies.
func promptConfirmation(stdin *bufio.Reader, tool string, reasons []string) bool {
	fmt.Fprintf(os.Stderr, "\nTool %q requires confirmation:\n", tool)
	for _, reason := range reasons {
		fmt.Fprintf(os.Stderr, "  - %s\n", reason)
	}
	fmt.Fprint(os.Stderr, "Allow? [y/N] ")

	line, err := stdin.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func listTools(cmd *cobra.Command, args []string) error {
	ctx, cancel := turnContext()
	defer cancel()

	_, _, _, rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	catalog := rt.Catalog()
	if len(catalog) == 0 {
		fmt.Println("No tools available. Configure tool_providers in .drover/config.json.")
		return nil
	}
	for _, tool := range catalog {
		fmt.Printf("%-24s %s\n", tool.Name, tool.Description)
	}
	return nil
}

func complete(cmd *cobra.Command, args []string) error {
	ctx, cancel := turnContext()
	defer cancel()

	cfg, client, _, rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	text, err := client.Complete(ctx, cfg.Execution.SystemPrompt, args[0])
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}
