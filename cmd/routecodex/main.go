// Command routecodex runs the LLM gateway.
//
// Usage:
//
//	routecodex serve --config config.yaml
//	routecodex validate --config config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/routecodex/routecodex/pkg/config"
	"github.com/routecodex/routecodex/pkg/config/provider"
	"github.com/routecodex/routecodex/pkg/logger"
	"github.com/routecodex/routecodex/pkg/oauth"
	"github.com/routecodex/routecodex/pkg/observability"
	"github.com/routecodex/routecodex/pkg/pipeline"
	"github.com/routecodex/routecodex/pkg/router"
	"github.com/routecodex/routecodex/pkg/server"
)

// exit codes
const (
	exitOK          = 0
	exitGeneric     = 1
	exitConfig      = 2
	exitBindFailure = 3
	exitInterrupt   = 130
)

// configError marks failures that should exit with the config code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the gateway."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`

	Config    string `short:"c" help:"Path to config file (or ROUTECODEX_CONFIG_PATH)." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or json)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("routecodex version %s\n", version)
	return nil
}

// ValidateCmd parses and validates the config, printing nothing on success.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	path, err := configPath(cli)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &configError{err}
	}
	if _, err := config.Parse(data); err != nil {
		return &configError{err}
	}
	fmt.Printf("%s: OK\n", path)
	return nil
}

// ServeCmd starts the gateway.
type ServeCmd struct {
	Port  int  `help:"Override the listen port."`
	Watch bool `help:"Watch config file for changes." default:"true" negatable:""`
}

func (c *ServeCmd) Run(cli *CLI, interrupted *atomic.Bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		interrupted.Store(true)
		cancel()
	}()

	path, err := configPath(cli)
	if err != nil {
		return err
	}

	fileProvider, err := provider.NewFileProvider(path)
	if err != nil {
		return &configError{err}
	}

	// The reload callback is bound before the registry and router exist;
	// it only fires once Watch runs, after wiring completes.
	var registry *pipeline.Registry
	var rt *router.Router
	loader := config.NewLoader(fileProvider, config.WithOnChange(func(next *config.Config) {
		if registry == nil || rt == nil {
			return
		}
		registry.Reload(next)
		rt.Update(routerConfig(next, registry))
	}))
	defer loader.Close()

	cfg, err := loader.Load(ctx)
	if err != nil {
		return &configError{err}
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	if cleanup, err := applyLogConfig(cli, cfg); err != nil {
		return err
	} else if cleanup != nil {
		defer cleanup()
	}
	log := logger.GetLogger()

	if _, err := observability.InitGlobalTracer(ctx, cfg.Tracing); err != nil {
		log.Warn("tracing disabled", "error", err)
	}

	store := oauth.NewStore(cfg.OAuth.Dir)
	endpoints := make(map[string]oauth.Endpoint)
	for name, p := range cfg.Providers {
		if p.OAuth == nil {
			continue
		}
		endpoints[name] = oauth.Endpoint{
			ClientID:      p.OAuth.ClientID,
			ClientSecret:  p.OAuth.ClientSecret,
			TokenURL:      p.OAuth.TokenURL,
			DeviceAuthURL: p.OAuth.DeviceAuthURL,
			Scopes:        p.OAuth.Scopes,
		}
	}

	var mgrOpts []oauth.ManagerOption
	if cfg.OAuth.IsInteractive() {
		portalURL := cfg.OAuth.PortalURL
		if portalURL == "" {
			portalURL = fmt.Sprintf("http://%s:%d/token-auth/demo", cfg.Server.Host, cfg.Server.Port)
		}
		mgrOpts = append(mgrOpts, oauth.WithDeviceFlow(oauth.NewDeviceFlow(portalURL, nil)))
	}
	oauthMgr := oauth.NewManager(store, endpoints, mgrOpts...)

	registry = pipeline.NewRegistry(cfg, oauthMgr)
	rt = router.New(routerConfig(cfg, registry))
	orch := pipeline.NewOrchestrator(cfg, registry, rt)
	srv := server.New(cfg, orch, oauthMgr)

	if c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				log.Error("config watch error", "error", err)
			}
		}()
	}

	return srv.Run(ctx)
}

// routerConfig translates the configuration's routing tree into the
// router's wiring.
func routerConfig(cfg *config.Config, registry *pipeline.Registry) router.Config {
	pools := make(map[router.Category][]router.Pool, len(cfg.Routing.Categories))
	for cat, pcs := range cfg.Routing.Categories {
		rps := make([]router.Pool, 0, len(pcs))
		for _, pc := range pcs {
			pool := router.Pool{ID: pc.ID, Priority: pc.Priority, Backup: pc.Backup}
			for _, spec := range pc.Targets {
				providerID, model, ok := config.SplitTarget(spec)
				if !ok {
					continue
				}
				if t, known := registry.Resolve(providerID, model); known {
					pool.Targets = append(pool.Targets, t)
				}
			}
			rps = append(rps, pool)
		}
		pools[router.Category(cat)] = rps
	}

	return router.Config{
		Pools:           pools,
		Resolve:         registry.Resolve,
		Classifier:      routerClassifier(cfg.Routing.Classifier),
		AllowOverflow:   cfg.Routing.AllowOverflow,
		HealthThreshold: cfg.Routing.HealthThreshold,
		HealthCooldown:  cfg.Routing.HealthCooldown,
	}
}

func routerClassifier(cc config.ClassifierConfig) router.ClassifierConfig {
	return router.ClassifierConfig{
		LongContextThresholdTokens: cc.LongContextThresholdTokens,
		WarnRatio:                  cc.WarnRatio,
		CodingKeywords:             cc.CodingKeywords,
		ThinkingKeywords:           cc.ThinkingKeywords,
		SearchKeywords:             cc.SearchKeywords,
	}
}

// applyLogConfig reinitializes the logger from the config file unless CLI
// flags already customized it.
func applyLogConfig(cli *CLI, cfg *config.Config) (func(), error) {
	level := cli.LogLevel
	if level == "info" && cfg.Log.Level != "" {
		level = cfg.Log.Level
	}
	format := cli.LogFormat
	if format == "simple" && cfg.Log.Format != "" {
		format = cfg.Log.Format
	}
	file := cli.LogFile
	if file == "" {
		file = cfg.Log.File
	}

	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return nil, &configError{err}
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, &configError{err}
		}
		output = f
		cleanup = closeFn
	}
	logger.Init(lvl, output, format)
	return cleanup, nil
}

func configPath(cli *CLI) (string, error) {
	if cli.Config != "" {
		return cli.Config, nil
	}
	if path := os.Getenv("ROUTECODEX_CONFIG_PATH"); path != "" {
		return path, nil
	}
	return "", &configError{errors.New("no config file: pass --config or set ROUTECODEX_CONFIG_PATH")}
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("routecodex"),
		kong.Description("RouteCodex - unified LLM gateway"),
		kong.UsageOnError(),
	)

	lvl, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(exitConfig)
	}
	logger.Init(lvl, os.Stderr, cli.LogFormat)

	var interrupted atomic.Bool
	err = kctx.Run(&cli, &interrupted)
	switch {
	case err == nil:
		if interrupted.Load() {
			os.Exit(exitInterrupt)
		}
		os.Exit(exitOK)
	case errors.Is(err, server.ErrPortInUse):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitBindFailure)
	default:
		var ce *configError
		if errors.As(err, &ce) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfig)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitGeneric)
	}
}
