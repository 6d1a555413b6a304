package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"agentchat/internal/appinfo"
	"agentchat/internal/clientlog"
	"agentchat/internal/config"
	"agentchat/internal/mcpclient"
	"agentchat/internal/platform"
	"agentchat/internal/session"
	"agentchat/internal/store"
	"agentchat/internal/transcript"
	"agentchat/internal/transport"
	"agentchat/internal/tui"
)

func main() {
	if len(os.Args) < 2 {
		exitOnError(runChat(nil))
		return
	}

	switch os.Args[1] {
	case "chat":
		exitOnError(runChat(os.Args[2:]))
	case "export":
		exitOnError(runExport(os.Args[2:]))
	case "sessions":
		exitOnError(runSessions(os.Args[2:]))
	case "version", "--version", "-v":
		fmt.Println(appinfo.Display())
	default:
		exitOnError(runChat(os.Args[1:]))
	}
}

func exitOnError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

type commonFlags struct {
	configPath   *string
	url          *string
	conversation *string
	agent        *string
	logFile      *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath:   fs.String("config", "", "path to config file (default: "+config.DefaultPath+" if present)"),
		url:          fs.String("url", "", "backend websocket url (overrides server.url)"),
		conversation: fs.String("conversation", "", "conversation id (overrides conversation.conversation_id)"),
		agent:        fs.String("agent", "", "agent id (overrides conversation.agent_id)"),
		logFile:      fs.String("log-file", "", "append logs to this file (overrides log.file)"),
	}
}

// load reads the config file and applies command line overrides.
func (f commonFlags) load() (config.Config, error) {
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if v := strings.TrimSpace(*f.url); v != "" {
		cfg.Server.URL = v
	}
	if v := strings.TrimSpace(*f.conversation); v != "" {
		cfg.Conversation.ConversationID = v
	}
	if v := strings.TrimSpace(*f.agent); v != "" {
		cfg.Conversation.AgentID = v
	}
	if v := strings.TrimSpace(*f.logFile); v != "" {
		cfg.Log.File = v
	}
	return cfg, nil
}

func (f commonFlags) watchPath() string {
	if p := strings.TrimSpace(*f.configPath); p != "" {
		return p
	}
	if _, err := os.Stat(config.DefaultPath); err == nil {
		return config.DefaultPath
	}
	return ""
}

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	common := addCommonFlags(fs)
	uiMode := fs.String("ui", "", "ui mode: tui or plain (default: tui on a terminal)")
	debug := fs.Bool("debug", false, "log debug lines")
	fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *debug {
		cfg.Log.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	mode := tui.Mode(strings.ToLower(strings.TrimSpace(*uiMode)))
	if mode == "" {
		mode = tui.ModePlain
		if term.IsTerminal(int(os.Stdout.Fd())) {
			mode = tui.ModeTUI
		}
	}
	if mode != tui.ModeTUI && mode != tui.ModePlain {
		return fmt.Errorf("unknown --ui %q (want tui or plain)", *uiMode)
	}

	logger, err := newLogger(cfg.Log, mode)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	tr := transport.New(transport.Options{
		BaseDelay:          cfg.Reconnect.BaseDelay.Std(),
		MaxDelay:           cfg.Reconnect.MaxDelay.Std(),
		JitterFraction:     cfg.Reconnect.JitterFraction(),
		DialTimeout:        cfg.Server.DialTimeout.Std(),
		WriteTimeout:       cfg.Server.WriteTimeout.Std(),
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
		Header:             dialHeader(cfg.Server.Headers),
		Logf:               logger.Printf(clientlog.KindWS),
	})
	defer tr.Close()

	bridge := platform.NewBridge(platform.Options{Logf: logger.Printf(clientlog.KindCall)})
	bridge.Register("host.now", platform.NowHandler(time.Now))
	bridge.Register("host.env", platform.EnvHandler(cfg.Host.EnvAllow, os.LookupEnv))
	bridge.Register("host.info", platform.HostInfoHandler())

	mcp := mcpclient.NewRuntime(bridge)
	defer mcp.Close()
	banner := ""
	if len(cfg.MCPServers) > 0 {
		banner = reloadMCP(ctx, mcp, cfg.MCPServers, logger)
	}

	reg := session.NewRegistry(tr, session.Options{
		Bridge: bridge,
		OnPlatformEvent: func(label string, data json.RawMessage) {
			logger.Logf(clientlog.KindCall, "platform event %s %s", label, clientlog.Preview(string(data), 200))
		},
		Store:          st,
		CorrelationIDs: cfg.Session.CorrelationIDs,
		TurnTimeout:    cfg.Session.TurnTimeout.Std(),
		PageLimit:      cfg.Session.PageLimit,
		Logf:           logger.Printf(clientlog.KindInfo),
	})
	defer reg.Close()

	key := reg.CreateSession(cfg.Conversation.ConversationID, cfg.Conversation.AgentID)
	if err := reg.Connect(key, cfg.Server.URL); err != nil {
		return err
	}

	if path := common.watchPath(); path != "" {
		go watchConfig(ctx, path, mcp, logger)
	}

	opts := tui.Options{Banner: banner, PageLimit: cfg.Session.PageLimit}
	if mode == tui.ModePlain {
		color := tui.ColorEnabled()
		if cfg.Log.Color != nil {
			color = *cfg.Log.Color
		}
		return tui.RunPlain(ctx, reg, key, os.Stdin, os.Stdout, opts, color)
	}
	return tui.Run(ctx, reg, key, os.Stdin, os.Stdout, opts)
}

// newLogger writes to the log file when configured. Terminal output is only
// used in plain mode, where it does not fight the full-screen view.
func newLogger(cfg config.LogConfig, mode tui.Mode) (*clientlog.Logger, error) {
	var file io.Writer
	if strings.TrimSpace(cfg.File) != "" {
		f, err := clientlog.OpenFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
	}
	color := clientlog.TermColorEnabled(os.Stderr)
	if cfg.Color != nil {
		color = *cfg.Color
	}
	return clientlog.New(clientlog.Options{
		File:        file,
		Term:        os.Stderr,
		TermEnabled: mode == tui.ModePlain && cfg.Debug,
		TermColor:   color,
		Debug:       cfg.Debug,
	}), nil
}

func dialHeader(headers map[string]string) http.Header {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", appinfo.UserAgent())
	}
	return h
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	return store.Open(store.Config{
		Driver:     cfg.Driver,
		RedisURL:   cfg.RedisURL,
		SQLitePath: cfg.SQLitePath,
		TTL:        cfg.TTL.Std(),
	})
}

func reloadMCP(ctx context.Context, rt *mcpclient.Runtime, servers []mcpclient.ServerConfig, logger *clientlog.Logger) string {
	report, err := rt.Reload(ctx, servers)
	if err != nil {
		logger.Logf(clientlog.KindWarn, "%v", err)
		return "MCP: " + err.Error()
	}
	logger.Log(clientlog.KindInfo, report.String())
	return fmt.Sprintf("MCP: %d servers, %d tools", report.Servers, report.Tools)
}

// watchConfig reloads MCP servers when the config file changes. Connection
// settings are read once at startup.
func watchConfig(ctx context.Context, path string, rt *mcpclient.Runtime, logger *clientlog.Logger) {
	err := config.Watch(ctx, path, func(cfg config.Config, err error) {
		if err != nil {
			logger.Logf(clientlog.KindWarn, "config reload: %v", err)
			return
		}
		reloadMCP(ctx, rt, cfg.MCPServers, logger)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Logf(clientlog.KindWarn, "config watch stopped: %v", err)
	}
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	common := addCommonFlags(fs)
	format := fs.String("format", "md", "output format: md or html")
	out := fs.String("out", "", "write to this file instead of stdout")
	fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if cfg.Conversation.ConversationID == "" || cfg.Conversation.AgentID == "" {
		return errors.New("export needs --conversation and --agent")
	}
	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	key := session.NewKey(cfg.Conversation.ConversationID, cfg.Conversation.AgentID)
	snap, ok, err := st.Load(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no stored snapshot for %s (store driver %q)", key, cfg.Store.Driver)
	}

	var rendered string
	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "md", "markdown":
		rendered = transcript.RenderMarkdown(snap)
	case "html":
		rendered, err = transcript.RenderHTML(snap)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown --format %q (want md or html)", *format)
	}

	if p := strings.TrimSpace(*out); p != "" {
		return os.WriteFile(p, []byte(rendered), 0o644)
	}
	_, err = io.WriteString(os.Stdout, rendered)
	return err
}

func runSessions(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	common := addCommonFlags(fs)
	fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	entries, err := st.List(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("no stored sessions (store driver %q)\n", cfg.Store.Driver)
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s\t%d messages\tsaved %s\n", e.Key, e.Messages, e.SavedAt.Local().Format(time.RFC3339))
	}
	return nil
}
