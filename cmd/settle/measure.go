package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jkbrsn/settle"
	"github.com/jkbrsn/settle/pkg/cdpsource"
	"github.com/jkbrsn/settle/pkg/promsink"
)

// navigationReport is the measurement of one navigation.
type navigationReport struct {
	Kind           string    `json:"kind"` // "load" or "route"
	URL            string    `json:"url"`
	MeasurementID  string    `json:"measurement_id"`
	StartTime      time.Time `json:"start_time"`
	LoadTimeMillis int64     `json:"load_time_ms"`
	LastResourceAt time.Time `json:"last_resource_at"`
	Reason         string    `json:"reason"`
	Dropped        int64     `json:"dropped_resources"`
	Error          string    `json:"error,omitempty"`
}

// pageReport groups the navigations measured on one page.
type pageReport struct {
	URL         string             `json:"url"`
	Navigations []navigationReport `json:"navigations"`
}

func newMeasureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "measure <url>...",
		Short: "Measure the settle time of page loads and route changes",
		Long: `Measure loads every URL in its own tab of a shared headless Chrome and waits until
the page has settled. Each --route is then applied in order as a history.pushState
route change followed by a popstate event, and measured the same way.

Examples:
  # Measure one page with the default 5s quiet time
  settle measure https://example.com

  # Measure SPA route changes with a shorter quiet window
  settle measure --quiet-time 2s --route /docs --route /blog https://example.com

  # Use a configuration file and export metrics while running
  settle measure -c settle.yaml --metrics-addr :9464 https://a.example https://b.example`,
		Args: cobra.MinimumNArgs(1),
		RunE: runMeasureCmd,
	}

	cmd.Flags().StringP("config", "c", "", "Path to a YAML configuration file")
	cmd.Flags().Duration("quiet-time", settle.DefaultQuietTime, "Quiet window length")
	cmd.Flags().Int("max-resources", settle.DefaultMaxResourcesToWatch,
		"Maximum number of in-flight resources tracked at once")
	cmd.Flags().String("beacon-endpoint", "", "Telemetry endpoint whose origin is never tracked")
	cmd.Flags().StringArray("ignore", nil,
		"URL to ignore; wrap in slashes for a regular expression, e.g. /analytics/")
	cmd.Flags().StringArray("route", nil, "SPA route to navigate to after the initial load")
	cmd.Flags().Duration("timeout", defaultNavigationTimeout, "Maximum wait per navigation")
	cmd.Flags().IntP("concurrency", "p", defaultConcurrency, "Pages measured concurrently")
	cmd.Flags().Bool("headful", false, "Show the browser window")
	cmd.Flags().String("events", "", "Write measurement events as JSON lines to this file")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while running")

	return cmd
}

func runMeasureCmd(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := loadFileConfig(configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	routes, err := cmd.Flags().GetStringArray("route")
	if err != nil {
		return err
	}

	sink, closeSink, err := buildSink(cmd, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	browserCtx, cancelBrowser := newBrowser(ctx, cfg, logger)
	defer cancelBrowser()
	// Start the browser once so every page gets a tab in the same process.
	if err := chromedp.Run(browserCtx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}

	reports := make([]pageReport, len(args))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, target := range args {
		g.Go(func() error {
			report, err := measurePage(gctx, browserCtx, target, routes, cfg, sink, logger)
			reports[i] = report
			if err != nil {
				return fmt.Errorf("%s: %w", target, err)
			}
			return nil
		})
	}
	runErr := g.Wait()

	out, err := sonic.ConfigStd.MarshalIndent(reports, "", "  ")
	if err != nil {
		return errors.Join(runErr, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return runErr
}

// buildSink assembles the metrics sinks selected by flags. The returned function releases them.
func buildSink(cmd *cobra.Command, logger zerolog.Logger) (settle.MetricsSink, func(), error) {
	var sinks settle.MultiSink
	var closers []func()

	eventsPath, err := cmd.Flags().GetString("events")
	if err != nil {
		return nil, nil, err
	}
	if eventsPath != "" {
		f, err := os.Create(eventsPath) //nolint:gosec // path is provided by the operator
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create events file: %w", err)
		}
		jsonSink := settle.NewJSONSink(f)
		sinks = append(sinks, jsonSink)
		closers = append(closers, func() {
			if err := jsonSink.Err(); err != nil {
				logger.Warn().Err(err).Msg("events file incomplete")
			}
			_ = f.Close()
		})
	}

	metricsAddr, err := cmd.Flags().GetString("metrics-addr")
	if err != nil {
		return nil, nil, err
	}
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		promSink, err := promsink.New("settle", reg)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, promSink)

		ln, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to listen on %s: %w", metricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		logger.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
		closers = append(closers, func() { _ = srv.Close() })
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

// newBrowser returns a chromedp context for a browser configured from cfg.
func newBrowser(
	ctx context.Context,
	cfg fileConfig,
	logger zerolog.Logger,
) (context.Context, context.CancelFunc) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless != nil && !*cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)

	browserLog := logger.With().Str("component", "chromedp").Logger()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, v ...any) { browserLog.Debug().Msgf(format, v...) }),
		chromedp.WithErrorf(func(format string, v ...any) { browserLog.Warn().Msgf(format, v...) }),
	)
	return browserCtx, func() {
		cancelBrowser()
		cancelAlloc()
	}
}

// measurePage measures the initial load of target and then each route change in a new tab.
func measurePage(
	ctx context.Context,
	browserCtx context.Context,
	target string,
	routes []string,
	cfg fileConfig,
	sink settle.MetricsSink,
	logger zerolog.Logger,
) (pageReport, error) {
	report := pageReport{URL: target}
	pageLog := logger.With().Str("page", target).Logger()

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()

	src := cdpsource.New(cdpsource.WithLogger(pageLog))
	src.Attach(tabCtx)

	mgr := settle.New(
		settle.WithConfig(cfg.Settle),
		settle.WithLogger(pageLog),
		settle.WithMetricsSink(sink),
		settle.WithRequestSource(src),
		settle.WithMediaSource(src),
		settle.WithPerformanceSource(src),
	)
	mgr.Start()
	defer mgr.Stop()

	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		return report, fmt.Errorf("failed to enable network events: %w", err)
	}

	nav := measureNavigation(ctx, tabCtx, mgr, cfg.NavigationTimeout, "load", target,
		chromedp.Navigate(target))
	report.Navigations = append(report.Navigations, nav)
	if nav.Error != "" {
		return report, errors.New(nav.Error)
	}

	for _, route := range routes {
		script, err := routeChangeScript(route)
		if err != nil {
			return report, err
		}
		nav := measureNavigation(ctx, tabCtx, mgr, cfg.NavigationTimeout, "route", route,
			chromedp.Evaluate(script, nil))
		report.Navigations = append(report.Navigations, nav)
		if nav.Error != "" {
			return report, errors.New(nav.Error)
		}
	}
	return report, nil
}

// measureNavigation starts a measurement, runs the navigation action and waits for the page to
// settle.
func measureNavigation(
	ctx context.Context,
	tabCtx context.Context,
	mgr *settle.Manager,
	timeout time.Duration,
	kind string,
	target string,
	action chromedp.Action,
) navigationReport {
	start := time.Now()
	ms := mgr.WaitForPageLoad(start)
	nav := navigationReport{
		Kind:          kind,
		URL:           target,
		MeasurementID: ms.ID().String(),
		StartTime:     start,
	}

	if err := chromedp.Run(tabCtx, action); err != nil {
		nav.Error = fmt.Sprintf("navigation failed: %v", err)
		return nav
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := ms.Wait(waitCtx)
	if err != nil {
		nav.Error = fmt.Sprintf("page did not settle: %v", err)
		return nav
	}

	nav.LoadTimeMillis = res.LoadTime.Milliseconds()
	nav.LastResourceAt = res.TimestampOfLastLoadedResource
	nav.Reason = res.Reason.String()
	nav.Dropped = mgr.Snapshot().Dropped
	return nav
}

// routeChangeScript returns JavaScript performing an SPA route change to route.
func routeChangeScript(route string) (string, error) {
	quoted, err := sonic.MarshalString(route)
	if err != nil {
		return "", fmt.Errorf("invalid route %q: %w", route, err)
	}
	return "history.pushState({}, '', " + quoted + ");" +
		"window.dispatchEvent(new PopStateEvent('popstate', {state: {}}));", nil
}
