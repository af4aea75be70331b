// Package main provides varflow - dashboard variable dependency and refresh
// propagation server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	"golang.org/x/term"

	"github.com/umputun/varflow/pkg/config"
	"github.com/umputun/varflow/pkg/definition"
	"github.com/umputun/varflow/pkg/engine"
	"github.com/umputun/varflow/pkg/fetcher"
	"github.com/umputun/varflow/pkg/notify"
	"github.com/umputun/varflow/pkg/render"
	"github.com/umputun/varflow/pkg/web"
)

// opts holds all command-line options.
type opts struct {
	Port      int    `short:"p" long:"port" default:"8080" description:"http server port"`
	Dir       string `long:"dir" description:"dashboards directory (overrides config)"`
	Endpoint  string `long:"endpoint" description:"values-lookup endpoint (overrides config)"`
	ConfigDir string `long:"config" description:"config directory (default ~/.config/varflow)"`
	List      bool   `short:"l" long:"list" description:"list loaded dashboards and exit"`
	Debug     bool   `short:"d" long:"debug" description:"enable debug logging"`
	NoColor   bool   `long:"no-color" description:"disable color output"`
	Version   bool   `short:"v" long:"version" description:"print version and exit"`
}

var revision = "unknown"

func main() {
	fmt.Printf("varflow %s\n", revision)

	var o opts
	parser := flags.NewParser(&o, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if o.Version {
		os.Exit(0)
	}

	setupLog(o.Debug)
	setupColor(o.NoColor)

	restore := disableCtrlCEcho()
	defer restore()

	// setup context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o opts) error {
	cfg, err := config.Load(o.ConfigDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI flags override config file values
	if o.Dir != "" {
		cfg.DashboardsDir = o.Dir
	}
	if o.Endpoint != "" {
		cfg.ValuesURL = o.Endpoint
	}

	// dashboards-as-code: sync the dashboards dir from git before loading
	var syncer *definition.Syncer
	if cfg.GitRemote != "" {
		syncer = definition.NewSyncer(cfg.DashboardsDir, cfg.GitRemote, cfg.GitBranch)
		if syncErr := syncer.Sync(ctx); syncErr != nil {
			return fmt.Errorf("sync dashboards from %s: %w", cfg.GitRemote, syncErr)
		}
	}

	store, err := definition.NewStore(cfg.DashboardsDir)
	if err != nil {
		return fmt.Errorf("open dashboards dir: %w", err)
	}
	if err := store.LoadAll(); err != nil {
		return fmt.Errorf("load dashboards: %w", err)
	}

	if o.List {
		return listDashboards(store, o.NoColor)
	}

	notifier, err := makeNotifier(cfg)
	if err != nil {
		return fmt.Errorf("setup notifications: %w", err)
	}

	hub := web.NewHub()
	buffer := web.NewBuffer(web.DefaultBufferSize)

	client := fetcher.New(cfg.ValuesURL, time.Duration(cfg.FetchTimeoutMs)*time.Millisecond)
	manager := web.NewSessionManager(web.SessionManagerConfig{
		Fetcher:              client,
		Hub:                  hub,
		Buffer:               buffer,
		PinURLValues:         cfg.PinURLValues,
		MaxConcurrentFetches: cfg.MaxConcurrentFetches,
		OnFetchFailure: func(dashboard string, key engine.Key, fetchErr error) {
			notifier.Failure(ctx, notify.Alert{
				Dashboard: dashboard,
				Variable:  key.String(),
				Error:     fetchErr.Error(),
			})
		},
		OnFetchSuccess: func(dashboard string, key engine.Key) {
			notifier.Success(dashboard, key.String())
		},
	})
	defer manager.Close()

	// reload definitions on file changes
	watcher, err := definition.NewWatcher(store, func(path string) {
		log.Printf("[DEBUG] dashboard definition reloaded: %s", path)
	})
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	go func() {
		if watchErr := watcher.Run(ctx); watchErr != nil && !errors.Is(watchErr, context.Canceled) {
			log.Printf("[WARN] definition watcher stopped: %v", watchErr)
		}
	}()

	// periodic git sync keeps the dashboards dir following the remote
	if syncer != nil && cfg.GitSyncIntervalMin > 0 {
		go syncer.Run(ctx, time.Duration(cfg.GitSyncIntervalMin)*time.Minute, func() {
			if loadErr := store.LoadAll(); loadErr != nil {
				log.Printf("[WARN] reload after git sync failed: %v", loadErr)
			}
		})
	}

	// expire idle sessions
	go manager.Run(ctx, time.Duration(cfg.SessionTTLMinutes)*time.Minute)

	srv := web.NewServer(web.ServerConfig{Port: o.Port, Version: revision}, store, manager, hub, buffer)
	color.New(color.FgCyan).Printf("serving %d dashboards on http://localhost:%d\n", len(store.List()), o.Port)
	return srv.Start(ctx)
}

// makeNotifier builds the alerting service from config, nil when no channels
// are configured.
func makeNotifier(cfg *config.Config) (*notify.Service, error) {
	return notify.New(notify.Params{
		Channels:         cfg.NotifyChannels,
		FailureThreshold: cfg.NotifyFailureThreshold,
		WindowMinutes:    cfg.NotifyWindowMinutes,
		TelegramToken:    cfg.TelegramToken,
		TelegramChat:     cfg.TelegramChat,
		SlackToken:       cfg.SlackToken,
		SlackChannel:     cfg.SlackChannel,
		WebhookURLs:      cfg.WebhookURLs,
	}, stdLogger{})
}

// stdLogger adapts the standard log package to the notify logger interface.
type stdLogger struct{}

func (stdLogger) Print(format string, args ...any) { log.Printf(format, args...) }

// listDashboards renders the loaded dashboard list as markdown to the terminal.
func listDashboards(store *definition.Store, noColor bool) error {
	docs := store.List()
	if len(docs) == 0 {
		fmt.Println("no dashboards found in", store.Dir())
		return nil
	}

	var b strings.Builder
	b.WriteString("# Dashboards\n\n")
	for _, d := range docs {
		fmt.Fprintf(&b, "## %s\n\n", d.Title)
		if d.Description != "" {
			b.WriteString(d.Description + "\n\n")
		}
		fmt.Fprintf(&b, "- id: `%s`\n", d.ID)
		fmt.Fprintf(&b, "- %d tabs, %d panels, %d variables\n", len(d.Tabs), len(d.Panels), len(d.Variables))
		fmt.Fprintf(&b, "- updated %s\n\n", humanize.Time(d.ModTime()))
	}

	out, err := render.Markdown(b.String(), noColor || !term.IsTerminal(int(os.Stdout.Fd())))
	if err != nil {
		return fmt.Errorf("render dashboard list: %w", err)
	}
	fmt.Print(out)
	return nil
}

// setupLog configures the standard logger, debug mode adds microseconds and
// file location.
func setupLog(debug bool) {
	if debug {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
		log.Printf("[DEBUG] debug mode enabled")
		return
	}
	log.SetFlags(log.LstdFlags)
}

// setupColor disables colored output for non-terminals and --no-color.
func setupColor(noColor bool) {
	if noColor || !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
}
