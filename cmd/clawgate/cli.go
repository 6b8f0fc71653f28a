package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/roelfdiedericks/clawgate/internal/compaction"
	"github.com/roelfdiedericks/clawgate/internal/config"
	"github.com/roelfdiedericks/clawgate/internal/llm"
	"github.com/roelfdiedericks/clawgate/internal/paths"
)

// ChatCmd sends one message through the gateway, as a channel would
type ChatCmd struct {
	Key  string   `arg:"" help:"Session key (e.g. cli:me)"`
	Text []string `arg:"" help:"Message text"`
}

func (c *ChatCmd) Run(app *App) error {
	gw, err := app.gateway()
	if err != nil {
		return err
	}
	defer gw.Shutdown()

	resp, err := gw.HandleMessage(context.Background(), c.Key, "cli", strings.Join(c.Text, " "))
	if err != nil {
		fmt.Fprintln(os.Stderr, llm.FormatErrorForUser(err.Error(), llm.ClassifyError(err.Error())))
		return err
	}
	fmt.Println(resp.Text)
	if resp.Compaction != nil {
		fmt.Fprintln(os.Stderr, compaction.Render(*resp.Compaction).Text)
	}
	if resp.Err != nil {
		return resp.Err
	}
	return nil
}

// CompactCmd runs a manual compaction. Everything after the session key is
// handed to the /compact parser untouched, so "abc" or "-5" behave exactly as
// they do in chat.
type CompactCmd struct {
	Args []string `arg:"" name:"args" help:"Session key, then [keep_last] [--silent|--verbose] as in /compact"`
}

func (c *CompactCmd) key() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// rawArgs is the chat-command argument string after the session key
func (c *CompactCmd) rawArgs() string {
	if len(c.Args) < 2 {
		return ""
	}
	return strings.Join(c.Args[1:], " ")
}

func (c *CompactCmd) Run(app *App) error {
	if c.key() == "" {
		return fmt.Errorf("compact: session key required")
	}
	gw, err := app.gateway()
	if err != nil {
		return err
	}
	defer gw.Shutdown()

	res, args := gw.Dispatcher().Manual(context.Background(), c.key(), c.rawArgs())
	if res.Failed() {
		fmt.Fprintln(os.Stderr, compaction.Render(res).Text)
		return fmt.Errorf("compaction failed")
	}
	if args.Silent && res.Applied() {
		return nil
	}
	out := compaction.Render(res)
	if args.Verbose {
		fmt.Println(out.Markdown)
	} else {
		fmt.Println(out.Text)
	}
	return nil
}

// StatusCmd prints what /status would
type StatusCmd struct {
	Key string `arg:"" help:"Session key"`
}

func (c *StatusCmd) Run(app *App) error {
	gw, err := app.gateway()
	if err != nil {
		return err
	}
	defer gw.Shutdown()

	res := gw.Commands().Execute(context.Background(), "/status", c.Key)
	if res.Error != nil {
		return res.Error
	}
	fmt.Println(res.Text)
	return nil
}

// MetaCmd runs a jq query over one session's metadata
type MetaCmd struct {
	Key     string `arg:"" help:"Session key"`
	Query   string `short:"q" default:"." help:"jq expression"`
	Compact bool   `help:"One JSON value per line"`
}

func (c *MetaCmd) Run(app *App) error {
	mgr, err := app.sessions()
	if err != nil {
		return err
	}
	defer mgr.Close()

	sess, err := mgr.Get(context.Background(), c.Key)
	if err != nil {
		return err
	}
	results, err := compaction.QueryMetadata(sess.Metadata(), c.Query)
	if err != nil {
		return err
	}
	out, err := compaction.FormatQueryResults(results, c.Compact)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// SessionsCmd groups the store maintenance commands
type SessionsCmd struct {
	List   SessionsListCmd   `cmd:"" default:"1" help:"List sessions"`
	Show   SessionsShowCmd   `cmd:"" help:"Show a session's recent history"`
	Clear  SessionsClearCmd  `cmd:"" help:"Empty a session's history, keeping its metadata"`
	Delete SessionsDeleteCmd `cmd:"" help:"Delete a session"`
}

type SessionsListCmd struct{}

func (c *SessionsListCmd) Run(app *App) error {
	mgr, err := app.sessions()
	if err != nil {
		return err
	}
	defer mgr.Close()

	infos, err := mgr.List(context.Background())
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tMESSAGES\tUPDATED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%d\t%s\n", info.Key, info.MessageCount, info.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

type SessionsShowCmd struct {
	Key   string `arg:"" help:"Session key"`
	Limit int    `short:"n" help:"Messages to show (default: session.historyLimit)"`
}

func (c *SessionsShowCmd) Run(app *App) error {
	mgr, err := app.sessions()
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx := context.Background()
	sess, err := mgr.Get(ctx, c.Key)
	if err != nil {
		return err
	}
	limit := c.Limit
	if limit <= 0 {
		limit = app.cfg.Session.HistoryLimit
	}
	msgs, err := mgr.History(ctx, c.Key, limit)
	if err != nil {
		return err
	}

	fmt.Printf("Session %s: %d messages", c.Key, sess.MessageCount())
	if model := sess.Model(); model != "" {
		fmt.Printf(", model %s", model)
	}
	fmt.Println()
	if t, ok := compaction.ReadTelemetry(sess.Metadata()); ok {
		fmt.Printf("Compactions: %d (%d messages)\n", t.Total, t.MessagesCompacted)
	}
	fmt.Println()
	for _, m := range msgs {
		fmt.Printf("[%s] %s\n", m.Role, m.Content)
	}
	return nil
}

type SessionsClearCmd struct {
	Key string `arg:"" help:"Session key"`
}

func (c *SessionsClearCmd) Run(app *App) error {
	mgr, err := app.sessions()
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Clear(context.Background(), c.Key); err != nil {
		return err
	}
	fmt.Println("Session cleared.")
	return nil
}

type SessionsDeleteCmd struct {
	Key string `arg:"" help:"Session key"`
}

func (c *SessionsDeleteCmd) Run(app *App) error {
	mgr, err := app.sessions()
	if err != nil {
		return err
	}
	defer mgr.Close()

	deleted, err := mgr.Delete(context.Background(), c.Key)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("session not found: %s", c.Key)
	}
	fmt.Println("Session deleted.")
	return nil
}

// ConfigCmd groups config file commands
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write a default config file"`
	Show ConfigShowCmd `cmd:"" help:"Print the effective config"`
}

type ConfigInitCmd struct {
	Force bool `short:"f" help:"Overwrite an existing file"`
}

func (c *ConfigInitCmd) Run(app *App) error {
	path := app.cli.Config
	if path == "" {
		var err error
		if path, err = paths.DefaultConfigPath(); err != nil {
			return err
		}
	}
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Save(config.Default(), path); err != nil {
		return err
	}
	fmt.Println("Wrote", path)
	return nil
}

type ConfigShowCmd struct{}

func (c *ConfigShowCmd) Run(app *App) error {
	cfg := *app.cfg
	cfg.LLM = cfg.LLM.Redacted()
	if cfg.Telegram.Token != "" {
		cfg.Telegram.Token = "***"
	}
	if app.cfgPath != "" {
		fmt.Fprintln(os.Stderr, "# "+app.cfgPath)
	}
	return config.WriteJSON(os.Stdout, &cfg)
}

// VersionCmd prints the version
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println("clawgate", version)
	return nil
}
