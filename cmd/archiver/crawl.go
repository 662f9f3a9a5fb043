package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Sriram-PR/site-archiver/pkg/config"
	"github.com/Sriram-PR/site-archiver/pkg/fetch"
	applog "github.com/Sriram-PR/site-archiver/pkg/log"
	"github.com/Sriram-PR/site-archiver/pkg/metrics"
	"github.com/Sriram-PR/site-archiver/pkg/orchestrate"
)

// crawlOptions holds the parsed crawl flags.
type crawlOptions struct {
	configPath string
	siteKeys   []string
	allSites   bool
	logLevel   string
	logFile    string
	logJSON    bool
}

// NewCrawlCmd creates the crawl command.
func NewCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Archive one or more configured sites",
		Long: `Crawl archives the selected sites breadth-first, up to each site's max_depth.

The first SIGINT/SIGTERM stops dispatching new work and lets in-flight items
finish, the second aborts in-flight fetches, and a third exits immediately.

Examples:
  # Archive a single site
  site-archiver crawl --site docs

  # Archive several sites in parallel
  site-archiver crawl --site docs,blog

  # Archive every configured site
  site-archiver crawl --all-sites --loglevel debug --log-file crawl.log`,
		Args: cobra.NoArgs,
		RunE: runCrawlCmd,
	}

	cmd.Flags().StringSliceP("site", "s", nil, "Site key(s) from config, comma-separated or repeated")
	cmd.Flags().Bool("all-sites", false, "Crawl all configured sites in parallel")
	cmd.Flags().String("loglevel", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-file", "", "Also append log output to this file")
	cmd.Flags().Bool("log-json", false, "Emit JSON log lines")
	cmd.MarkFlagsMutuallyExclusive("site", "all-sites")
	cmd.MarkFlagsOneRequired("site", "all-sites")

	return cmd
}

func runCrawlCmd(cmd *cobra.Command, _ []string) error {
	opts := crawlOptions{configPath: configPathFlag(cmd)}
	opts.siteKeys, _ = cmd.Flags().GetStringSlice("site")
	opts.allSites, _ = cmd.Flags().GetBool("all-sites")
	opts.logLevel, _ = cmd.Flags().GetString("loglevel")
	opts.logFile, _ = cmd.Flags().GetString("log-file")
	opts.logJSON, _ = cmd.Flags().GetBool("log-json")

	sigChan := make(chan os.Signal, 3)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	return runCrawl(cmd.Context(), opts, cmd.OutOrStdout(), sigChan)
}

// runCrawl loads the configuration, wires the shared fetch service and runs
// the orchestrator until every selected site has finished. A graceful stop or
// cancellation is not an error; a timeout or site failure exits with status 1.
func runCrawl(parent context.Context, opts crawlOptions, console io.Writer, signals <-chan os.Signal) error {
	log, closeLog, err := applog.New(applog.Options{
		Level:   opts.logLevel,
		File:    opts.logFile,
		JSON:    opts.logJSON,
		Console: console,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "closing log file: %v\n", err)
		}
	}()

	appCfg, siteKeys, err := loadCrawlConfig(opts, log)
	if err != nil {
		log.Errorf("Config error: %v", err)
		return &exitCodeError{code: 1}
	}
	logAppConfig(appCfg, log)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	if appCfg.MetricsAddr != "" {
		srv := startMetricsServer(appCfg.MetricsAddr, reg, log)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warnf("Metrics server shutdown: %v", err)
			}
		}()
	}

	logEntry := log.WithField("component", "crawl")
	client, err := fetch.NewClient(appCfg.HTTPClientSettings, appCfg.ProxyURL, logEntry)
	if err != nil {
		log.Errorf("Failed to initialize HTTP client: %v", err)
		return &exitCodeError{code: 1}
	}
	svc := fetch.NewService(client, appCfg, m, logEntry)
	go svc.RunMaintenance(ctx)

	orch := orchestrate.NewOrchestrator(appCfg, siteKeys, svc, m, logEntry)

	done := make(chan struct{})
	defer close(done)
	go handleSignals(signals, done, orch, cancel, log, os.Exit)

	_, err = orch.Run(ctx)
	switch {
	case err == nil:
		log.Info("Crawl completed successfully.")
		return nil
	case errors.Is(err, context.Canceled):
		log.Warn("Crawl cancelled gracefully.")
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		log.Error("Crawl timed out (global timeout).")
		return &exitCodeError{code: 1}
	default:
		log.Errorf("Crawl finished with error: %v", err)
		return &exitCodeError{code: 1}
	}
}

// loadCrawlConfig loads and validates the config file and resolves the site
// keys to crawl. Validated site configs are written back into the map.
func loadCrawlConfig(opts crawlOptions, log *logrus.Logger) (*config.AppConfig, []string, error) {
	log.Infof("Loading configuration from %s", opts.configPath)
	appCfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, nil, err
	}

	var siteKeys []string
	if opts.allSites {
		siteKeys = orchestrate.GetAllSiteKeys(appCfg)
		log.Infof("All sites mode: found %d sites", len(siteKeys))
	} else {
		seen := make(map[string]bool, len(opts.siteKeys))
		for _, key := range opts.siteKeys {
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			siteKeys = append(siteKeys, key)
		}
	}
	if len(siteKeys) == 0 {
		return nil, nil, errors.New("no sites selected")
	}
	if err := orchestrate.ValidateSiteKeys(appCfg, siteKeys); err != nil {
		return nil, nil, err
	}

	for _, key := range siteKeys {
		siteCfg := appCfg.Sites[key]
		siteWarnings, err := siteCfg.Validate()
		if err != nil {
			return nil, nil, fmt.Errorf("site '%s': %w", key, err)
		}
		for _, w := range siteWarnings {
			log.Warnf("[%s] %s", key, w)
		}
		appCfg.Sites[key] = siteCfg
	}
	return appCfg, siteKeys, nil
}

// stopper is the part of the orchestrator the signal handler needs.
type stopper interface {
	Stop()
}

// handleSignals escalates on repeated signals: stop dispatching, then cancel
// in-flight work, then exit. It returns when done is closed.
func handleSignals(signals <-chan os.Signal, done <-chan struct{}, s stopper, cancel context.CancelFunc, log *logrus.Logger, exit func(int)) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("PANIC in signal handler: %v", r)
		}
	}()

	for received := 0; ; received++ {
		var sig os.Signal
		select {
		case <-done:
			return
		case sig = <-signals:
		}

		switch received {
		case 0:
			log.Warnf("Received signal: %v. Finishing in-flight items, send again to abort...", sig)
			s.Stop()
		case 1:
			log.Warnf("Received second signal: %v. Aborting in-flight fetches...", sig)
			cancel()
		default:
			log.Warnf("Received signal: %v again. Forcing exit.", sig)
			exit(1)
			return
		}
	}
}

// startMetricsServer exposes reg on addr under /metrics.
func startMetricsServer(addr string, reg *prometheus.Registry, log *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("Serving metrics at http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server error: %v", err)
		}
	}()
	return srv
}

// logAppConfig logs the effective global configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Global Config: Workers:%d, MaxReqs:%d, MaxReqPerHost:%d, RPSPerHost:%.2f",
		appCfg.NumWorkers, appCfg.MaxRequests, appCfg.MaxRequestsPerHost, appCfg.RequestsPerSecondPerHost)
	log.Infof("Global Config: DefaultDelay:%v, StateDir:%q, OutputDir:%s",
		appCfg.DefaultDelayPerHost, appCfg.StateDir, appCfg.OutputBaseDir)
	log.Infof("Global Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v",
		appCfg.MaxRetries, appCfg.InitialRetryDelay, appCfg.MaxRetryDelay)
	log.Infof("Global Config Timeouts: SemaphoreAcquire:%v, GlobalCrawl:%v, MaxBody:%d bytes",
		appCfg.SemaphoreAcquireTimeout, appCfg.GlobalCrawlTimeout, appCfg.MaxBodyBytes)
	log.Infof("Global Config HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v",
		appCfg.HTTPClientSettings.Timeout, appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.HTTPClientSettings.IdleConnTimeout, appCfg.HTTPClientSettings.TLSHandshakeTimeout, appCfg.HTTPClientSettings.DialerTimeout)
	log.Infof("Global Config Output Mapping: Enabled Globally:%t, Default Global Filename:'%s'",
		appCfg.EnableOutputMapping, appCfg.OutputMappingFilename)
	log.Infof("Global Config YAML Metadata: Enabled Globally:%t, Default Global Filename:'%s'",
		appCfg.EnableMetadataYAML, appCfg.MetadataYAMLFilename)
}
