package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourorg/apirecorder/internal/capture"
	"github.com/yourorg/apirecorder/internal/capture/browser"
	"github.com/yourorg/apirecorder/internal/capture/forwardproxy"
	"github.com/yourorg/apirecorder/internal/capture/mitm"
	"github.com/yourorg/apirecorder/internal/certs"
	"github.com/yourorg/apirecorder/internal/config"
	"github.com/yourorg/apirecorder/internal/filter"
	"github.com/yourorg/apirecorder/internal/har"
	"github.com/yourorg/apirecorder/internal/observability"
	"github.com/yourorg/apirecorder/internal/server"
	"github.com/yourorg/apirecorder/internal/stream"
	"github.com/yourorg/apirecorder/pkg/types"
)

const closeTimeout = 10 * time.Second

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// newBackend builds the capture backend of the given kind from config.
func (o *rootOptions) newBackend(kind types.BackendKind, cfg *config.Config, logger *slog.Logger) (capture.Backend, error) {
	logger = logger.With("backend", string(kind))
	switch kind {
	case types.BackendBrowser:
		driver := browser.NewChromeDriver(browser.ChromeOptions{
			Headless:      cfg.Browser.Headless,
			ExecPath:      cfg.Browser.ExecPath,
			UserAgent:     cfg.Browser.UserAgent,
			LaunchTimeout: time.Duration(cfg.Browser.LaunchTimeoutSeconds) * time.Second,
			Logger:        logger,
		})
		return browser.NewBackend(driver, browser.BackendOptions{
			EventBuffer:  cfg.Capture.EventBuffer,
			MaxBodyBytes: cfg.Capture.MaxBodyBytes,
			BodyTimeout:  ms(cfg.Browser.BodyTimeoutMs),
			Logger:       logger,
		}), nil
	case types.BackendProxy:
		return forwardproxy.NewBackend(forwardproxy.BackendOptions{
			Host:        cfg.Proxy.Host,
			Port:        cfg.Proxy.Port,
			EventBuffer: cfg.Capture.EventBuffer,
			Proxy: forwardproxy.Options{
				MaxBodyBytes:    cfg.Capture.MaxBodyBytes,
				DialTimeout:     time.Duration(cfg.Proxy.DialTimeoutSeconds) * time.Second,
				ShutdownTimeout: ms(cfg.Proxy.ShutdownTimeoutMs),
				VerifyTLS:       cfg.Proxy.VerifyTLS,
			},
			Logger: logger,
		}), nil
	case types.BackendMITM:
		command := cfg.MITM.Command
		if len(command) == 0 {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("resolve executable: %w", err)
			}
			command = []string{
				exe, "intercept",
				"--port", "{port}",
				"--control-dir", "{control_dir}",
				"--capture-file", "{capture_file}",
				"--ca-cert", cfg.MITM.CACertFile,
				"--ca-key", cfg.MITM.CAKeyFile,
				"--log-level", cfg.Log.Level,
			}
			if o.cfgPath != "" {
				command = append(command, "--config", o.cfgPath)
			}
		}
		return mitm.NewBackend(mitm.BackendOptions{
			Port:         cfg.MITM.Port,
			Dir:          cfg.MITM.Dir,
			Command:      command,
			Script:       cfg.MITM.Script,
			StartupGrace: ms(cfg.MITM.StartupGraceMs),
			StopTimeout:  ms(cfg.MITM.StopTimeoutMs),
			Debounce:     ms(cfg.MITM.DebounceMs),
			ProbeTimeout: ms(cfg.MITM.ProbeTimeoutMs),
			EventBuffer:  cfg.Capture.EventBuffer,
			Logger:       logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want browser, proxy or mitm)", kind)
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if err := cfg.EnsureDirs(); err != nil {
				return err
			}
			logger := opts.logger(cfg)

			st, err := opts.openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			metrics := observability.NewMetrics()
			hub := stream.NewHub(logger, metrics)
			var managers []*capture.Manager
			for _, kind := range []types.BackendKind{types.BackendBrowser, types.BackendProxy, types.BackendMITM} {
				b, err := opts.newBackend(kind, cfg, logger)
				if err != nil {
					return err
				}
				managers = append(managers, capture.NewManager(b, capture.ManagerOptions{
					Publisher: hub,
					Store:     st,
					Logger:    logger,
					Metrics:   metrics,
				}))
			}
			reg := capture.NewRegistry(managers...)

			srv, err := server.New(cfg, server.Deps{Registry: reg, Hub: hub, Store: st, Metrics: metrics, Logger: logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			pumpCtx, stopPumps := context.WithCancel(context.Background())
			reg.Run(pumpCtx)

			addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
			serveErr := srv.ListenAndServe(ctx, addr)

			closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := reg.Close(closeCtx); err != nil {
				logger.Error("stop backends", "err", err)
			}
			stopPumps()
			reg.Wait()
			logger.Info("shutdown complete")
			return serveErr
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().IntVar(&port, "port", 3000, "server port")
	return cmd
}

// consolePublisher prints recorded exchanges and cancels the recording when
// the session fails.
type consolePublisher struct {
	w      io.Writer
	cancel context.CancelFunc
}

func (p *consolePublisher) Publish(ev types.Event) {
	switch ev.Type {
	case types.EventNewRequest:
		if ev.Data == nil {
			return
		}
		status := strconv.Itoa(ev.Data.Status)
		if ev.Data.ErrorText != "" {
			status = "ERR"
		}
		fmt.Fprintf(p.w, "%-4d %-7s %-4s %s\n", ev.Data.Seq, ev.Data.Method, status, ev.Data.URL)
	case types.EventSessionUpdate:
		if ev.Session != nil && ev.Session.Status == types.StatusError {
			fmt.Fprintf(p.w, "capture failed: %s\n", ev.Session.ErrorMessage)
			p.cancel()
		}
	}
}

func newRecordCmd(opts *rootOptions) *cobra.Command {
	var backend, target, out string
	var dropNoise bool
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record traffic in the foreground until interrupted, then write a HAR file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirs(); err != nil {
				return err
			}
			logger := opts.logger(cfg)
			b, err := opts.newBackend(types.BackendKind(backend), cfg, logger)
			if err != nil {
				return err
			}
			st, err := opts.openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			m := capture.NewManager(b, capture.ManagerOptions{
				Publisher: &consolePublisher{w: cmd.OutOrStdout(), cancel: stop},
				Store:     st,
				Logger:    logger,
			})
			pumpCtx, stopPump := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				m.Run(pumpCtx)
			}()
			defer func() {
				stopPump()
				<-done
			}()

			res := m.Start(ctx, target)
			if !res.Success {
				return errors.New(res.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recording %s session %s (target %s), press Ctrl-C to stop\n", backend, res.Session.ID, res.Session.Target)
			<-ctx.Done()

			closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if res := m.Stop(closeCtx); !res.Success {
				return errors.New(res.Error)
			}
			sess, entries, err := m.Archive(closeCtx)
			if err != nil {
				return err
			}
			if sess == nil {
				return errors.New("no session recorded")
			}
			if out == "" {
				out = harFileName(sess.ID)
			}
			kept := filter.Export(entries, cfg.Filter, cfg.Sanitize, dropNoise)
			if err := har.WriteFile(out, har.FromArchive(kept, observability.Version)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d entries to %s\n", len(kept), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", string(types.BackendBrowser), "capture backend: browser, proxy or mitm")
	cmd.Flags().StringVar(&target, "target", "", "URL for browser, listen port or address for proxy and mitm")
	cmd.Flags().StringVar(&out, "out", "", "HAR output path (default capture-<session>.har)")
	cmd.Flags().BoolVar(&dropNoise, "filter", false, "drop static assets and other noise before writing")
	return cmd
}

func newInterceptCmd(opts *rootOptions) *cobra.Command {
	var host, controlDir, captureFile, caCert, caKey string
	var port int
	cmd := &cobra.Command{
		Use:    "intercept",
		Short:  "Run the intercepting proxy supervised by the mitm backend",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if controlDir == "" {
				controlDir = cfg.MITM.Dir
			}
			if caCert == "" {
				caCert = cfg.MITM.CACertFile
			}
			if caKey == "" {
				caKey = cfg.MITM.CAKeyFile
			}
			logger := opts.logger(cfg).With("component", "intercept", "port", port)

			ca, created, err := certs.LoadOrCreate(caCert, caKey, caCommonName)
			if err != nil {
				return fmt.Errorf("local CA: %w", err)
			}
			if created {
				logger.Warn("generated a new local CA; trust it to record HTTPS", "cert", caCert)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ic := mitm.NewInterceptor(mitm.InterceptorOptions{
				Host:         host,
				Port:         port,
				Dir:          controlDir,
				CaptureFile:  captureFile,
				PollInterval: ms(cfg.MITM.PollIntervalMs),
				Proxy: forwardproxy.Options{
					MaxBodyBytes:    cfg.Capture.MaxBodyBytes,
					DialTimeout:     time.Duration(cfg.Proxy.DialTimeoutSeconds) * time.Second,
					ShutdownTimeout: ms(cfg.Proxy.ShutdownTimeoutMs),
					VerifyTLS:       cfg.Proxy.VerifyTLS,
					CA:              ca,
				},
				Logger: logger,
			})
			return ic.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "listen host")
	cmd.Flags().IntVar(&port, "port", 0, "listen port")
	cmd.Flags().StringVar(&controlDir, "control-dir", "", "mailbox directory shared with the supervisor")
	cmd.Flags().StringVar(&captureFile, "capture-file", "", "capture file path (default <control-dir>/capture.json)")
	cmd.Flags().StringVar(&caCert, "ca-cert", "", "CA certificate PEM")
	cmd.Flags().StringVar(&caKey, "ca-key", "", "CA private key PEM")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}
