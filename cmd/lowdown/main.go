// Package main is an application entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/cappuccinotm/slogx"
	"github.com/cappuccinotm/slogx/slogm"
	"github.com/jessevdk/go-flags"
	"github.com/lmittmann/tint"
	"github.com/lowdown-proxy/lowdown/pkg/admin"
	"github.com/lowdown-proxy/lowdown/pkg/proxy"
	"github.com/lowdown-proxy/lowdown/pkg/settings"
	"github.com/lowdown-proxy/lowdown/pkg/store"
	"github.com/mattn/go-isatty"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

var opts struct {
	Addr  string `short:"a" long:"addr" env:"PROXY_ADDR" default:"127.0.0.1:8080" description:"Address for the proxy server to listen on"`
	Admin struct {
		Addr string `long:"addr" env:"ADDR" default:"127.0.0.1:7070" description:"Address for the admin server to listen on"`
	} `group:"admin" namespace:"admin" env-namespace:"ADMIN"`
	SettingsFile string `long:"settings-file" env:"SETTINGS_FILE" description:"Optional YAML file with base settings"`
	Dev          bool   `long:"dev" env:"LOWDOWN_DEVELOPMENT" description:"Append a trailing newline to emitted JSON bodies"`
	Debug        bool   `long:"debug" env:"DEBUG" description:"Enable debug mode"`
}

var version = "unknown"

func getVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if ok {
		return bi.Main.Version
	}
	return version
}

func main() {
	_, _ = fmt.Fprintf(os.Stderr, "lowdown %s\n", getVersion())

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	setupLog(opts.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { // catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		sig := <-stop
		slog.Warn("caught signal", slog.Any("signal", sig))
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("failed to start lowdown", slogx.Error(err))
	}
}

func setupLog(dbg bool) {
	defer slog.Info("prepared logger", slog.Bool("debug", dbg))
	handlerOpts := &slog.HandlerOptions{Level: slog.LevelInfo}
	handler := slog.Handler(slog.NewJSONHandler(os.Stderr, handlerOpts))

	if dbg {
		handlerOpts.Level = slog.LevelDebug
		handlerOpts.AddSource = true
		handlerOpts.ReplaceAttr = func(_ []string, a slog.Attr) slog.Attr {
			// shorten source to just file:line
			if a.Key == slog.SourceKey {
				src := a.Value.Any().(*slog.Source)
				file := src.File[strings.LastIndex(src.File, "/")+1:]
				return slog.String("s", fmt.Sprintf("%s:%d", file, src.Line))
			}
			return a
		}
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
		if isatty.IsTerminal(os.Stderr.Fd()) {
			handler = tint.NewHandler(os.Stderr, &tint.Options{
				Level:     slog.LevelDebug,
				AddSource: true,
			})
		}
	}

	handler = slogx.NewChain(handler,
		slogm.RequestID(),
		slogm.StacktraceOnError(),
		slogm.TrimAttrs(1024), // 1Kb
	)

	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context) error {
	envLayer := settings.FromEnv()
	if opts.SettingsFile != "" {
		base, err := settings.FromFile(opts.SettingsFile)
		if err != nil {
			return fmt.Errorf("read settings file: %w", err)
		}
		// the environment takes precedence over the file
		base.Merge(envLayer)
		envLayer = base
	}

	st := store.New(envLayer, lo.Ternary(opts.Dev, "\n", ""))
	st.LogEnvOverrides()

	client := &proxy.HTTPClient{Client: &http.Client{}}

	psrv := proxy.NewServer(st, client,
		proxy.Version(getVersion()),
		proxy.Maybe(opts.Debug, proxy.Debug()))
	asrv := admin.NewServer(st,
		admin.Version(getVersion()),
		admin.Maybe(opts.Debug, admin.Debug()))

	ewg, ctx := errgroup.WithContext(ctx)
	ewg.Go(func() error {
		if err := psrv.Listen(opts.Addr); err != nil {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})
	ewg.Go(func() error {
		if err := asrv.Listen(opts.Admin.Addr); err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	ewg.Go(func() error {
		<-ctx.Done()
		psrv.Close()
		asrv.Close()
		return nil
	})

	if err := ewg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
