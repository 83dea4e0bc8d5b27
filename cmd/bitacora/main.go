// Command bitacora is the Bitácora CLI: capture notes, run the HTTP
// API, serve MCP, and operate the database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/nvalderrama/bitacora/internal/api"
	"github.com/nvalderrama/bitacora/internal/config"
	"github.com/nvalderrama/bitacora/internal/embed"
	"github.com/nvalderrama/bitacora/internal/gateway"
	"github.com/nvalderrama/bitacora/internal/lifecycle"
	"github.com/nvalderrama/bitacora/internal/llm"
	mcpserver "github.com/nvalderrama/bitacora/internal/mcp"
	"github.com/nvalderrama/bitacora/internal/people"
	"github.com/nvalderrama/bitacora/internal/pipeline"
	"github.com/nvalderrama/bitacora/internal/relate"
	"github.com/nvalderrama/bitacora/internal/store"
)

var version = "dev"

const (
	defaultLLM   = "openai/gpt-4o-mini"
	defaultEmbed = "ollama/nomic-embed-text"
)

func main() {
	cmd := &cli.Command{
		Name:    "bitacora",
		Usage:   "AI-classified note log: capture free text, get organized notebooks, tasks and threads",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to config file", Sources: cli.EnvVars("BITACORA_CONFIG")},
			&cli.StringFlag{Name: "db", Usage: "Database path"},
			&cli.StringFlag{Name: "llm", Usage: "LLM provider/model (e.g. openai/gpt-4o-mini)"},
			&cli.StringFlag{Name: "embed", Usage: "Embedding provider/model (e.g. ollama/nomic-embed-text)"},
			&cli.StringFlag{Name: "owner", Usage: "Owner id for all operations"},
			&cli.BoolFlag{Name: "ai-router", Usage: "Let the model choose pipeline steps instead of the rule table", Sources: cli.EnvVars("BITACORA_AI_ROUTER")},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Debug logging"},
		},
		Commands: []*cli.Command{
			ingestCommand(),
			serveCommand(),
			mcpCommand(),
			booksCommand(),
			tasksCommand(),
			statsCommand(),
			maintainCommand(),
			configCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("bitacora failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func setupLogger(cmd *cli.Command) *slog.Logger {
	level := slog.LevelInfo
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func resolve(cmd *cli.Command) (config.ResolvedConfig, error) {
	return config.ResolveConfig(config.ResolveOptions{
		ConfigPath: cmd.String("config"),
		CLILLM:     cmd.String("llm"),
		CLIEmbed:   cmd.String("embed"),
		CLIDBPath:  cmd.String("db"),
		CLIOwner:   cmd.String("owner"),
	})
}

// runtime bundles everything a command needs.
type runtime struct {
	cfg      config.ResolvedConfig
	store    *store.Store
	gateway  *gateway.Gateway
	pipeline *pipeline.Service
	people   *people.Service
	maint    *lifecycle.Runner
	logger   *slog.Logger
}

func buildRuntime(cmd *cli.Command, sync bool) (*runtime, error) {
	logger := setupLogger(cmd)

	resolved, err := resolve(cmd)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(store.Config{DBPath: resolved.DBPath.Value})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	llmFlag := resolved.EffectiveLLMModel("classify", defaultLLM)
	llmCfg, err := llm.ParseProviderFlag(llmFlag.Value)
	if err != nil {
		return nil, err
	}
	if key := resolved.APIKeyForProvider(llmFlag.Value); key.Value != "" {
		llmCfg.APIKey = key.Value
	}
	provider, err := llm.NewProvider(llmCfg)
	if err != nil {
		return nil, err
	}

	embedFlag := resolved.EmbedProvider.Value
	if embedFlag == "" {
		embedFlag = defaultEmbed
	}
	embedCfg, err := embed.ParseEmbedFlag(embedFlag)
	if err != nil {
		return nil, err
	}
	if resolved.EmbedEndpoint.Value != "" {
		embedCfg.Endpoint = resolved.EmbedEndpoint.Value
	}
	if resolved.EmbedAPIKey.Value != "" {
		embedCfg.APIKey = resolved.EmbedAPIKey.Value
	}
	embedder, err := embed.NewClient(embedCfg)
	if err != nil {
		return nil, err
	}

	gw := gateway.New(provider, embedder, gateway.DefaultConfig())
	relations := relate.New(st, resolved.RelationThresholdValue(relate.DefaultThreshold), logger)
	svc := pipeline.New(st, gw, relations, pipeline.Config{
		SyncPostProcess: sync,
		UseAIRouter:     cmd.Bool("ai-router"),
		ClassifyModel:   modelOf(llmFlag.Value),
		SplitModel:      modelOf(resolved.EffectiveLLMModel("split", llmFlag.Value).Value),
		RouteModel:      modelOf(resolved.EffectiveLLMModel("route", llmFlag.Value).Value),
	}, logger)
	ppl := people.New(st, gw, logger)
	svc.SetPersonInvalidator(ppl)

	return &runtime{
		cfg:      resolved,
		store:    st,
		gateway:  gw,
		pipeline: svc,
		people:   ppl,
		maint:    lifecycle.NewRunner(st, lifecycle.DefaultPolicies(), logger),
		logger:   logger,
	}, nil
}

// modelOf extracts the model part of a provider/model flag. Per-purpose
// overrides select a model within the configured provider.
func modelOf(flag string) string {
	if idx := strings.Index(flag, "/"); idx >= 0 {
		return flag[idx+1:]
	}
	return flag
}

func (rt *runtime) close() {
	rt.pipeline.Wait()
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("closing database", slog.String("error", err.Error()))
	}
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Capture a note from arguments or stdin",
		ArgsUsage: "[text...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "multi-topic", Usage: "Split the input into per-topic entries"},
			&cli.BoolFlag{Name: "json", Usage: "Print the result as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			text := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
			if text == "" {
				b, err := os.ReadFile("/dev/stdin")
				if err != nil {
					return fmt.Errorf("no text given and stdin unreadable: %w", err)
				}
				text = strings.TrimSpace(string(b))
			}
			if text == "" {
				return errors.New("nothing to capture")
			}

			rt, err := buildRuntime(cmd, true)
			if err != nil {
				return err
			}
			defer rt.close()

			owner := rt.cfg.OwnerID.Value
			req := pipeline.IngestRequest{OwnerID: owner, Text: text}

			var result *pipeline.IngestResult
			if cmd.Bool("multi-topic") {
				result, err = rt.pipeline.IngestMultiTopic(ctx, req)
			} else {
				result, err = rt.pipeline.Ingest(ctx, req)
			}
			if err != nil {
				if llm.IsRateLimit(err) {
					return fmt.Errorf("provider rate limited; retry in a moment: %w", err)
				}
				return err
			}

			if cmd.Bool("json") {
				return printJSON(result)
			}

			for _, entry := range result.Entries {
				book, berr := rt.store.GetBook(ctx, entry.BookID)
				bookName := "?"
				if berr == nil {
					bookName = book.Name
				}
				fmt.Printf("entry %d → %s [%s/%s]\n  %s\n", entry.ID, bookName, entry.Type, entry.Priority, entry.Summary)
			}
			for _, task := range result.CompletedTasks {
				fmt.Printf("completed task %d: %s\n", task.ID, task.Description)
			}
			if result.UpdatedEntry != nil {
				fmt.Printf("updated entry %d\n", result.UpdatedEntry.ID)
			}
			if result.Degraded {
				fmt.Println("note: classification degraded, entry filed to Inbox")
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "Listen address", Sources: cli.EnvVars("BITACORA_HTTP_ADDR")},
			&cli.StringFlag{Name: "token", Usage: "Bearer token; empty disables auth", Sources: cli.EnvVars("BITACORA_API_TOKEN")},
			&cli.StringFlag{Name: "maintenance-cron", Value: "0 3 * * *", Usage: "Cron spec for scheduled maintenance; empty disables"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := buildRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.close()

			addr := cmd.String("addr")
			if rt.cfg.HTTPAddr.Value != "" && !cmd.IsSet("addr") {
				addr = rt.cfg.HTTPAddr.Value
			}
			token := cmd.String("token")

			handler := api.NewHandler(rt.pipeline, rt.store, rt.people, rt.maint, rt.cfg.OwnerID.Value, rt.logger)
			router := api.NewRouter(handler, token != "", token, rt.logger)

			if spec := cmd.String("maintenance-cron"); spec != "" {
				sched, err := lifecycle.NewScheduler(rt.maint, spec, rt.logger)
				if err != nil {
					return err
				}
				sched.Start()
				defer sched.Stop()
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			rt.logger.Info("http server listening", slog.String("addr", addr))

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case <-stop:
				rt.logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Run the MCP server over stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := buildRuntime(cmd, false)
			if err != nil {
				return err
			}
			defer rt.close()

			srv := mcpserver.NewServer(mcpserver.ServerConfig{
				Store:    rt.store,
				Pipeline: rt.pipeline,
				People:   rt.people,
				OwnerID:  rt.cfg.OwnerID.Value,
				Version:  version,
			})
			return mcpserver.ServeStdio(srv)
		},
	}
}

func booksCommand() *cli.Command {
	return &cli.Command{
		Name:  "books",
		Usage: "List notebooks",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := buildStoreOnly(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			books, err := rt.store.ListBooks(ctx, rt.cfg.OwnerID.Value)
			if err != nil {
				return err
			}
			if cmd.Bool("json") {
				return printJSON(books)
			}
			for _, b := range books {
				fmt.Printf("%d\t%s\t%s\n", b.ID, b.Name, b.Context)
			}
			return nil
		},
	}
}

func tasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "List open tasks",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := buildStoreOnly(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			tasks, err := rt.store.ListPendingTasks(ctx, rt.cfg.OwnerID.Value)
			if err != nil {
				return err
			}
			if cmd.Bool("json") {
				return printJSON(tasks)
			}
			for _, t := range tasks {
				due := t.DueDate
				if due == "" {
					due = "-"
				}
				fmt.Printf("%d\t[%s]\t%s\t(due %s)\n", t.ID, t.Priority, t.Description, due)
			}
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show aggregate counts",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := buildStoreOnly(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			stats, err := rt.store.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func maintainCommand() *cli.Command {
	return &cli.Command{
		Name:  "maintain",
		Usage: "Run maintenance policies",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "Report actions without applying them"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := buildStoreOnly(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			report, err := rt.maint.Run(ctx, cmd.Bool("dry-run"))
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Show the resolved configuration and where each value came from",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			setupLogger(cmd)
			resolved, err := resolve(cmd)
			if err != nil {
				return err
			}
			// Keys are secrets; show provenance only.
			for p, v := range resolved.LLMKeys {
				resolved.LLMKeys[p] = config.ResolvedValue{Value: "[set]", Source: v.Source, From: v.From}
			}
			if resolved.EmbedAPIKey.Value != "" {
				resolved.EmbedAPIKey.Value = "[set]"
			}
			return printJSON(resolved)
		},
	}
}

// buildStoreOnly opens the database without constructing providers, for
// commands that never call the model.
func buildStoreOnly(cmd *cli.Command) (*runtime, error) {
	logger := setupLogger(cmd)
	resolved, err := resolve(cmd)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{DBPath: resolved.DBPath.Value})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &runtime{
		cfg:      resolved,
		store:    st,
		pipeline: pipeline.New(st, nil, nil, pipeline.Config{SyncPostProcess: true}, logger),
		maint:    lifecycle.NewRunner(st, lifecycle.DefaultPolicies(), logger),
		logger:   logger,
	}, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
