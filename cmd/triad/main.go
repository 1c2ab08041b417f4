// Triad runtime server — runs the conversation/workflow/coordinator agent
// trio behind an HTTP API with a websocket event stream.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/triadflow/triad/pkg/agent"
	"github.com/triadflow/triad/pkg/api"
	"github.com/triadflow/triad/pkg/bus"
	"github.com/triadflow/triad/pkg/codegen"
	"github.com/triadflow/triad/pkg/config"
	"github.com/triadflow/triad/pkg/injection"
	"github.com/triadflow/triad/pkg/llm"
	"github.com/triadflow/triad/pkg/monitor"
	"github.com/triadflow/triad/pkg/nodedef"
	"github.com/triadflow/triad/pkg/rules"
	"github.com/triadflow/triad/pkg/supervision"
	"github.com/triadflow/triad/pkg/wfcontext"
	"github.com/triadflow/triad/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	configPath := flag.String("config",
		getEnv("CONFIG_FILE", "./"+config.ConfigFileName),
		"Path to the runtime configuration file")
	rulesPath := flag.String("rules",
		getEnv("RULES_FILE", ""),
		"Optional path to a YAML rule configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, continuing with existing environment", "error", err)
	}

	logger := newLogger()
	slog.SetDefault(logger)

	// 1. Configuration
	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Event bus
	eventBus := bus.New(bus.WithQueueSize(cfg.Bus.QueueSize), bus.WithLogger(logger))
	defer eventBus.Close()

	// 3. Supervision and monitors
	injections := injection.NewManager(eventBus, logger)
	sup := supervision.NewCoordinator(eventBus, logger)
	sup.Efficiency = supervision.NewEfficiencyMonitor(cfg.Supervision.Thresholds())
	facade := supervision.NewFacade(sup, injections, logger)

	metrics := prometheus.NewRegistry()
	states := monitor.NewStateMonitor(eventBus, metrics, logger)
	reflections := monitor.NewReflectionManager(eventBus, logger)

	coordinator := agent.NewCoordinatorAgent(sup, facade, states, reflections, logger)
	coordinator.Start()
	defer coordinator.Stop()

	// 4. Rule repository and decision validator
	repo := rules.NewRepository(logger)
	if *rulesPath != "" {
		loaded, err := repo.LoadConfig(*rulesPath)
		if err != nil {
			logger.Error("failed to load rule configuration", "path", *rulesPath, "error", err)
			os.Exit(1)
		}
		logger.Info("rule configuration loaded", "path", *rulesPath, "rules", loaded)
	}
	validator := rules.NewValidator(repo, rules.NewAlignmentChecker(), logger)

	// 5. Node definitions and the execution engine
	loader := nodedef.NewLoader(cfg.Definitions.Dir, logger)
	defer loader.Close()
	if cfg.Definitions.Watch {
		if err := loader.Watch(); err != nil {
			logger.Warn("definition watching unavailable", "error", err)
		}
	}

	runnerOpts := []nodedef.RunnerOption{
		nodedef.WithBus(eventBus),
		nodedef.WithLogger(logger),
	}

	var llmClient llm.Client
	if cfg.LLMEnabled() {
		client, err := llm.NewOpenAIClient(cfg.LLM.ClientConfig(), logger)
		if err != nil {
			logger.Error("failed to initialize LLM client", "error", err)
			os.Exit(1)
		}
		llmClient = client
		runnerOpts = append(runnerOpts, nodedef.WithLLMExecutor(llm.NewDefinitionExecutor(client)))
		logger.Info("LLM client initialized", "model", cfg.LLM.Model)
	} else {
		logger.Warn("no LLM configured; llm nodes and the planner are disabled")
	}

	runner := nodedef.NewRunner(loader, runnerOpts...)

	schemas := workflow.NewSchemaRegistry()
	if err := loader.RegisterSchemas(schemas); err != nil {
		logger.Warn("failed to register definition schemas", "error", err)
	}

	executors := workflow.NewExecutorRegistry()
	executors.Register(workflow.NodeGeneric, runner.NodeExecutor())

	engine := workflow.NewEngine(executors, schemas,
		workflow.WithBus(eventBus),
		workflow.WithRetryPolicy(cfg.Retry.RetryPolicy()),
		workflow.WithLogger(logger))

	// 6. Agents
	contexts := wfcontext.NewManager("triad")
	workflowAgentOpts := []agent.WorkflowAgentOption{
		agent.WithWorkflowBus(eventBus),
		agent.WithWorkflowLogger(logger),
	}
	if llmClient != nil {
		workflowAgentOpts = append(workflowAgentOpts,
			agent.WithReflector(agent.NewLLMReflector(llmClient)))
	}
	workflows := agent.NewWorkflowAgent(engine, contexts, workflowAgentOpts...)

	var conversation *agent.ConversationAgent
	if llmClient != nil {
		conversation = agent.NewConversationAgent(agent.NewLLMPlanner(llmClient), workflows,
			agent.WithValidator(validator),
			agent.WithInjections(injections),
			agent.WithConversationBus(eventBus),
			agent.WithConversationLogger(logger))
		logger.Info("conversation agent ready")
	}

	// 7. Code generation
	var pipeline *codegen.Pipeline
	if cfg.Codegen.Enabled {
		registered := func() []string {
			defs, err := loader.LoadAll()
			if err != nil {
				logger.Warn("failed to list node definitions", "error", err)
				return nil
			}
			names := make([]string, 0, len(defs))
			for name := range defs {
				names = append(names, name)
			}
			return names
		}
		pipeline = codegen.NewPipeline(
			codegen.NewGapAnalyzer(registered),
			codegen.NewGenerator(),
			codegen.NewRegistrationService(cfg.Definitions.Dir, logger),
			logger)
	}

	// 8. HTTP server
	server := api.NewServer(api.Deps{
		Bus:              eventBus,
		States:           states,
		Reflections:      reflections,
		Rules:            repo,
		Supervision:      sup,
		Codegen:          pipeline,
		Conversation:     conversation,
		Gatherer:         metrics,
		AllowedWSOrigins: cfg.Server.AllowedWSOrigins,
		Logger:           logger,
	})
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("triad started",
		"definitions_dir", cfg.Definitions.Dir,
		"codegen", cfg.Codegen.Enabled,
		"llm", cfg.LLMEnabled())

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown within the configured budget
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
