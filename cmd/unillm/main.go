package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aschepis/backscratcher/unillm/config"
	"github.com/aschepis/backscratcher/unillm/costs"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/llm/ollama"
	unillmlogger "github.com/aschepis/backscratcher/unillm/logger"
	"github.com/aschepis/backscratcher/unillm/manager"
	"github.com/aschepis/backscratcher/unillm/ratelimit"
	"github.com/aschepis/backscratcher/unillm/runtime"
	"github.com/aschepis/backscratcher/unillm/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const usage = `unillm sends chat, completion and embedding requests to OpenAI, Claude,
Gemini and Ollama through one interface, with local rate limiting and
cost tracking.

Usage:
  unillm [flags] <command> [args]

Commands:
  chat <message>       Send a chat message and print the reply
  stream <message>     Stream a chat reply as it is generated
  complete <prompt>    Complete a prompt
  embed <text>...      Print embedding sizes for each input
  models               List the provider's models
  costs                Print recorded usage and cost per provider
  serve                Run maintenance and expose /metrics until interrupted
  config-init          Write the default configuration file

Flags:
`

// options holds the parsed command-line flags.
type options struct {
	configPath  string
	provider    string
	model       string
	system      string
	maxTokens   int
	temperature float64
	template    string
	vars        map[string]string
	jsonMode    bool
	since       time.Duration
	metricsAddr string
	logFile     string
	pretty      bool
	help        bool

	temperatureSet bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("unillm", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", config.GetConfigPath(), "Path to the YAML config file")
	fs.StringVarP(&opts.provider, "provider", "p", "", "Provider name (defaults to the configured default)")
	fs.StringVarP(&opts.model, "model", "m", "", "Model override")
	fs.StringVarP(&opts.system, "system", "s", "", "System prompt")
	fs.IntVar(&opts.maxTokens, "max-tokens", 0, "Maximum tokens to generate")
	fs.Float64Var(&opts.temperature, "temperature", 0, "Sampling temperature")
	fs.StringVarP(&opts.template, "template", "t", "", "Render a named prompt template instead of the message argument")
	fs.StringToStringVar(&opts.vars, "var", nil, "Template variables as key=value")
	fs.BoolVar(&opts.jsonMode, "json", false, "Ask for a JSON object response")
	fs.DurationVar(&opts.since, "since", 0, "Only count costs recorded within this duration")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "Listen address for the serve command")
	fs.StringVar(&opts.logFile, "logfile", "", "Path to log file. If not set, logs to stderr")
	fs.BoolVar(&opts.pretty, "pretty", false, "Use pretty console output (only valid when logfile is not set)")
	fs.BoolVarP(&opts.help, "help", "h", false, "Show help")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	return fs
}

func run(args []string, out io.Writer) error {
	var opts options
	fs := newFlagSet(&opts)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	opts.temperatureSet = fs.Changed("temperature")

	rest := fs.Args()
	if opts.help || len(rest) == 0 {
		fs.Usage()
		return nil
	}
	command, cmdArgs := rest[0], rest[1:]

	if opts.logFile != "" && opts.pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}
	logger, err := unillmlogger.InitWithOptions(opts.logFile, opts.pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if command == "config-init" {
		return initConfig(opts.configPath, out)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Debug().Str("config", opts.configPath).Str("default", cfg.Default).Msg("Loaded configuration")

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.db.Close() //nolint:errcheck // No remedy for db close errors

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "chat":
		return a.chat(ctx, opts, cmdArgs, out)
	case "stream":
		return a.stream(ctx, opts, cmdArgs, out)
	case "complete":
		return a.complete(ctx, opts, cmdArgs, out)
	case "embed":
		return a.embed(ctx, opts, cmdArgs, out)
	case "models":
		return a.models(ctx, opts, out)
	case "costs":
		return a.costs(ctx, opts, out)
	case "serve":
		return a.serve(ctx, opts)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// app wires the storage, limiter, tracker and manager for one invocation.
type app struct {
	cfg     *config.Config
	db      *sql.DB
	limiter *ratelimit.Limiter
	tracker *costs.Tracker
	manager *manager.Manager
	logger  zerolog.Logger
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	db, err := storage.Open(cfg.Storage.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RateLimit.Store == "sqlite" {
		store = ratelimit.NewSQLiteStore(db)
	}
	limiter := ratelimit.New(cfg.RateLimit, store, logger)
	tracker := costs.New(cfg.Costs, costs.NewSQLiteLedger(db), logger)

	mgr := manager.New(cfg,
		manager.WithLogger(logger),
		manager.WithRateLimiter(limiter),
		manager.WithCostRecorder(tracker),
		manager.WithFactory(llm.ProviderOllama, func(cfg *config.Config, hc *http.Client, logger zerolog.Logger) (llm.Provider, error) {
			return ollama.NewClient(cfg.Providers.Ollama, hc, logger)
		}),
	)

	return &app{
		cfg:     cfg,
		db:      db,
		limiter: limiter,
		tracker: tracker,
		manager: mgr,
		logger:  logger,
	}, nil
}

func initConfig(path string, out io.Writer) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	cfg := config.Defaults()
	if err := config.Save(&cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote default configuration to %s\n", path)
	return nil
}

func (o options) llmOptions() llm.Options {
	opts := llm.Options{
		Model:     o.model,
		System:    o.system,
		MaxTokens: o.maxTokens,
	}
	if o.temperatureSet {
		t := o.temperature
		opts.Temperature = &t
	}
	if o.jsonMode {
		opts.ResponseFormat = llm.ResponseFormatJSON
	}
	return opts
}

func (o options) templateVars() map[string]any {
	vars := make(map[string]any, len(o.vars))
	for k, v := range o.vars {
		vars[k] = v
	}
	return vars
}

// messages builds the conversation from the template flag or the
// message arguments.
func (a *app) messages(opts options, args []string) ([]llm.Message, error) {
	if opts.template != "" {
		return a.manager.Prompts().ToMessages(opts.template, opts.templateVars())
	}
	if len(args) == 0 {
		return nil, errors.New("a message argument or --template is required")
	}
	return []llm.Message{llm.NewUserMessage(strings.Join(args, " "))}, nil
}

func (a *app) chat(ctx context.Context, opts options, args []string, out io.Writer) error {
	var (
		resp *llm.Response
		err  error
	)
	if opts.template != "" {
		resp, err = a.manager.ChatWithTemplate(ctx, opts.provider, opts.template, opts.templateVars(), opts.llmOptions())
	} else {
		var msgs []llm.Message
		if msgs, err = a.messages(opts, args); err != nil {
			return err
		}
		resp, err = a.manager.Chat(ctx, opts.provider, msgs, opts.llmOptions())
	}
	if err != nil {
		return describe(err)
	}
	printResponse(out, resp)
	return nil
}

func (a *app) complete(ctx context.Context, opts options, args []string, out io.Writer) error {
	var (
		resp *llm.Response
		err  error
	)
	switch {
	case opts.template != "":
		resp, err = a.manager.CompleteWithTemplate(ctx, opts.provider, opts.template, opts.templateVars(), opts.llmOptions())
	case len(args) == 0:
		return errors.New("a prompt argument or --template is required")
	default:
		resp, err = a.manager.Complete(ctx, opts.provider, strings.Join(args, " "), opts.llmOptions())
	}
	if err != nil {
		return describe(err)
	}
	printResponse(out, resp)
	return nil
}

func (a *app) stream(ctx context.Context, opts options, args []string, out io.Writer) error {
	msgs, err := a.messages(opts, args)
	if err != nil {
		return err
	}
	stream, err := a.manager.ChatStream(ctx, opts.provider, msgs, opts.llmOptions())
	if err != nil {
		return describe(err)
	}
	defer stream.Close() //nolint:errcheck // Collect closes the stream as well

	for stream.Next() {
		fmt.Fprint(out, stream.Delta())
	}
	resp, err := stream.Collect()
	fmt.Fprintln(out)
	if err != nil {
		return describe(err)
	}
	a.logger.Info().
		Str("model", resp.Model).
		Str("finish", string(resp.FinishReason)).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Msg("Stream finished")
	return nil
}

func (a *app) embed(ctx context.Context, opts options, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("at least one input is required")
	}
	resp, err := a.manager.Embed(ctx, opts.provider, args, llm.EmbedOptions{Model: opts.model})
	if err != nil {
		return describe(err)
	}
	for i, vec := range resp.Embeddings {
		fmt.Fprintf(out, "%d\t%d dims\t%q\n", i, len(vec), args[i])
	}
	fmt.Fprintf(out, "model=%s tokens=%d\n", resp.Model, resp.Usage.TotalTokens)
	return nil
}

func (a *app) models(ctx context.Context, opts options, out io.Writer) error {
	models, err := a.manager.ListModels(ctx, opts.provider)
	if err != nil {
		return describe(err)
	}
	for _, m := range models {
		fmt.Fprintln(out, m)
	}
	return nil
}

func (a *app) costs(ctx context.Context, opts options, out io.Writer) error {
	var since time.Time
	if opts.since > 0 {
		since = time.Now().Add(-opts.since)
	}

	providers := a.manager.Providers()
	if opts.provider != "" {
		providers = []string{opts.provider}
	}

	var grand costs.Totals
	fmt.Fprintf(out, "%-10s %8s %12s %12s %12s\n", "PROVIDER", "REQUESTS", "PROMPT", "COMPLETION", "COST")
	for _, p := range providers {
		t, err := a.tracker.Totals(ctx, p, since)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%-10s %8d %12d %12d %12.6f\n", p, t.Requests, t.PromptTokens, t.CompletionTokens, t.Cost)
		grand.Requests += t.Requests
		grand.Cost += t.Cost
	}
	fmt.Fprintf(out, "%-10s %8d %12s %12s %12.6f\n", "TOTAL", grand.Requests, "", "", grand.Cost)
	return nil
}

func (a *app) serve(ctx context.Context, opts options) error {
	janitor, err := runtime.NewJanitor(a.cfg.Maintenance, a.limiter, a.tracker, a.logger)
	if err != nil {
		return err
	}
	go janitor.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              opts.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", opts.metricsAddr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info().Msg("Received shutdown signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func printResponse(out io.Writer, resp *llm.Response) {
	fmt.Fprintln(out, resp.Content)
	for _, call := range resp.ToolCalls {
		fmt.Fprintf(out, "tool call %s: %s(%s)\n", call.ID, call.Name, call.Arguments)
	}
}

// describe adds a hint for the error kinds a CLI user can act on.
func describe(err error) error {
	switch {
	case llm.IsRateLimitExceededError(err):
		return fmt.Errorf("%w (local rate limit, raise rate_limiting limits or wait)", err)
	case llm.IsAuthenticationError(err):
		return fmt.Errorf("%w (check the api_key for this provider)", err)
	case errors.Is(err, config.ErrAPIKeyRequired):
		return fmt.Errorf("%w (set it in the config file or the environment)", err)
	default:
		return err
	}
}
