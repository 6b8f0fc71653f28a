package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/clawgate/internal/channels/telegram"
	"github.com/roelfdiedericks/clawgate/internal/config"
	"github.com/roelfdiedericks/clawgate/internal/gateway"
	"github.com/roelfdiedericks/clawgate/internal/llm"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/session"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "0.1.0"

// CLI is the command line
type CLI struct {
	Config   string `short:"c" help:"Config file (.json, .yaml, .yml or .toml)" type:"path"`
	LogLevel string `name:"log-level" help:"Log level: trace, debug, info, warn, error (default: from config)"`

	Gateway  GatewayCmd  `cmd:"" default:"1" help:"Run the gateway and its channels"`
	Chat     ChatCmd     `cmd:"" help:"Send one message to a session"`
	Compact  CompactCmd  `cmd:"" passthrough:"" help:"Summarize a session's older history"`
	Status   StatusCmd   `cmd:"" help:"Show session status and compaction telemetry"`
	Meta     MetaCmd     `cmd:"" help:"Query session metadata with jq"`
	Sessions SessionsCmd `cmd:"" help:"List and manage sessions"`
	Setup    ConfigCmd   `cmd:"" name:"config" help:"Manage the config file"`
	Version  VersionCmd  `cmd:"" help:"Show version"`
}

// App carries the loaded config into every command
type App struct {
	cli     *CLI
	cfg     *config.Config
	cfgPath string
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("clawgate"),
		kong.Description("Chat gateway with session history compaction."),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if cli.LogLevel != "" {
		level = ParseLevel(cli.LogLevel)
	}
	Init(&Config{Level: level, TimeFormat: "15:04:05", Output: os.Stderr})

	app := &App{cli: &cli}
	if kctx.Command() != "version" && kctx.Command() != "config init" {
		if err := app.load(); err != nil {
			fmt.Fprintf(os.Stderr, "clawgate: %v\n", err)
			os.Exit(1)
		}
	}

	if err := kctx.Run(app); err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: %v\n", err)
		os.Exit(1)
	}
}

// load reads the config and applies its log level unless --log-level was given
func (a *App) load() error {
	cfg, path, err := config.Load(a.cli.Config)
	if err != nil {
		return err
	}
	a.cfg, a.cfgPath = cfg, path
	if a.cli.LogLevel == "" {
		SetLevel(ParseLevel(cfg.Logging.Level))
	}
	return nil
}

// registry builds the LLM registry from config
func (a *App) registry() (*llm.Registry, error) {
	return llm.NewRegistry(a.cfg.LLM)
}

// gateway builds a gateway with the configured store and LLM chain
func (a *App) gateway() (*gateway.Gateway, error) {
	reg, err := a.registry()
	if err != nil {
		return nil, err
	}
	return gateway.New(a.cfg, reg)
}

// sessions opens the store without any LLM
func (a *App) sessions() (*session.Manager, error) {
	store, err := session.NewStore(session.StoreConfig{
		Type:        a.cfg.Session.Store,
		Path:        a.cfg.Session.Path,
		WALMode:     a.cfg.Session.WALMode,
		BusyTimeout: a.cfg.Session.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return session.NewManager(store, gateway.SessionDefaults(a.cfg, nil)), nil
}

// GatewayCmd runs the long-lived gateway
type GatewayCmd struct {
	NoWatch bool `help:"Don't hot-reload the config file"`
}

func (c *GatewayCmd) Run(app *App) error {
	L_info("clawgate starting", "version", version, "config", app.cfgPath)

	gw, err := app.gateway()
	if err != nil {
		return err
	}

	if app.cfg.Telegram.Enabled {
		bot, err := telegram.New(app.cfg.Telegram, gw)
		if err != nil {
			gw.Shutdown()
			return err
		}
		gw.RegisterChannel(bot)
	}
	if len(gw.Channels()) == 0 {
		L_warn("no channels enabled, only the compaction sweep will run")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watchPath := app.cfgPath
	if c.NoWatch {
		watchPath = ""
	}
	if err := gw.Start(ctx, watchPath); err != nil {
		gw.Shutdown()
		return err
	}
	L_info("clawgate ready")

	<-ctx.Done()
	SetShuttingDown()
	gw.Shutdown()
	return nil
}
