// Command torscan runs probing tasks over Tor exit relays: it launches a
// dedicated Tor process, selects the exits matching each task's
// destinations, builds one two-hop circuit per exit, and runs the task
// over every circuit that comes up.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opd-ai/torscan/pkg/autoconfig"
	"github.com/opd-ai/torscan/pkg/config"
	"github.com/opd-ai/torscan/pkg/directory"
	"github.com/opd-ai/torscan/pkg/driver"
	"github.com/opd-ai/torscan/pkg/errors"
	"github.com/opd-ai/torscan/pkg/geoip"
	"github.com/opd-ai/torscan/pkg/httpmetrics"
	"github.com/opd-ai/torscan/pkg/logger"
	"github.com/opd-ai/torscan/pkg/metrics"
	"github.com/opd-ai/torscan/pkg/path"
	"github.com/opd-ai/torscan/pkg/stats"
	"github.com/opd-ai/torscan/pkg/task"
	"github.com/opd-ai/torscan/pkg/torproc"

	// Probing tasks register themselves with the default registry.
	_ "github.com/opd-ai/torscan/tasks/captiveportal"
	_ "github.com/opd-ai/torscan/tasks/dnscheck"
	_ "github.com/opd-ai/torscan/tasks/fetchcompare"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// parseArgs builds the scan configuration from defaults, then the INI
// config file if one was named, then explicit flags, in that precedence
// order. Positional arguments are task names.
func parseArgs(args []string) (*config.Config, error) {
	cfg := config.DefaultConfig()

	fs := flag.NewFlagSet("torscan", flag.ContinueOnError)
	fs.Usage = func() { printUsage(fs) }

	var (
		country     string
		exit        string
		exitFile    string
		nickname    string
		address     string
		badExits    bool
		allExits    bool
		buildDelay  float64
		delayNoise  float64
		firstHop    string
		torDir      string
		analysisDir string
		verbosity   string
		logFile     string
		configFile  string
		metricsPort int
		geoipDB     string
		showVersion bool
	)

	fs.StringVar(&country, "C", "", "scan exits in this country (two-letter code)")
	fs.StringVar(&country, "country", "", "scan exits in this country (two-letter code)")
	fs.StringVar(&exit, "e", "", "scan only this exit relay (fingerprint)")
	fs.StringVar(&exit, "exit", "", "scan only this exit relay (fingerprint)")
	fs.StringVar(&exitFile, "E", "", "scan only the exit relays listed in this file, one fingerprint per line")
	fs.StringVar(&exitFile, "exit-file", "", "scan only the exit relays listed in this file, one fingerprint per line")
	fs.StringVar(&nickname, "N", "", "only exits whose nickname contains this substring")
	fs.StringVar(&nickname, "nickname", "", "only exits whose nickname contains this substring")
	fs.StringVar(&address, "A", "", "only exits whose address contains this substring")
	fs.StringVar(&address, "address", "", "only exits whose address contains this substring")
	fs.BoolVar(&badExits, "b", false, "scan only exits flagged BadExit")
	fs.BoolVar(&badExits, "bad-exits", false, "scan only exits flagged BadExit")
	fs.BoolVar(&allExits, "l", false, "scan all exits, good and bad")
	fs.BoolVar(&allExits, "all-exits", false, "scan all exits, good and bad")
	fs.Float64Var(&buildDelay, "d", 3, "seconds between circuit creations")
	fs.Float64Var(&buildDelay, "build-delay", 3, "seconds between circuit creations")
	fs.Float64Var(&delayNoise, "n", 0, "randomize the build delay by up to this many seconds")
	fs.Float64Var(&delayNoise, "delay-noise", 0, "randomize the build delay by up to this many seconds")
	fs.StringVar(&firstHop, "i", "", "use this relay as every circuit's first hop (fingerprint)")
	fs.StringVar(&firstHop, "first-hop", "", "use this relay as every circuit's first hop (fingerprint)")
	fs.StringVar(&torDir, "t", "", "Tor data directory, reusable across scans")
	fs.StringVar(&torDir, "tor-dir", "", "Tor data directory, reusable across scans")
	fs.StringVar(&analysisDir, "a", "", "directory for task artifacts")
	fs.StringVar(&analysisDir, "analysis-dir", "", "directory for task artifacts")
	fs.StringVar(&verbosity, "v", "", "log level: debug, info, warn, error")
	fs.StringVar(&verbosity, "verbosity", "", "log level: debug, info, warn, error")
	fs.StringVar(&logFile, "o", "", "write the log to this file instead of stderr")
	fs.StringVar(&logFile, "logfile", "", "write the log to this file instead of stderr")
	fs.StringVar(&configFile, "f", "", "INI config file with a [Defaults] section")
	fs.StringVar(&configFile, "config-file", "", "INI config file with a [Defaults] section")
	fs.IntVar(&metricsPort, "m", 0, "serve Prometheus metrics on this port (0 disables)")
	fs.IntVar(&metricsPort, "metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
	fs.StringVar(&geoipDB, "g", "", "MaxMind database for offline country filtering (default: onionoo lookup)")
	fs.StringVar(&geoipDB, "geoip-db", "", "MaxMind database for offline country filtering (default: onionoo lookup)")
	fs.BoolVar(&showVersion, "version", false, "show version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if showVersion {
		fmt.Printf("torscan version %s (built %s)\n", version, buildTime)
		return nil, flag.ErrHelp
	}

	if configFile != "" {
		cfg.ConfigFile = configFile
		if err := config.LoadFromFile(configFile, cfg); err != nil {
			return nil, err
		}
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	has := func(names ...string) bool {
		for _, n := range names {
			if set[n] {
				return true
			}
		}
		return false
	}

	if has("C", "country") {
		cfg.Country = strings.ToLower(country)
	}
	if has("e", "exit") {
		cfg.Exit = exit
	}
	if has("E", "exit-file") {
		cfg.ExitFile = exitFile
	}
	if has("N", "nickname") {
		cfg.Nickname = nickname
	}
	if has("A", "address") {
		cfg.Address = address
	}
	if has("b", "bad-exits") {
		cfg.BadExits = badExits
	}
	if has("l", "all-exits") {
		cfg.AllExits = allExits
	}
	if has("d", "build-delay") {
		cfg.BuildDelay = time.Duration(buildDelay * float64(time.Second))
	}
	if has("n", "delay-noise") {
		cfg.DelayNoise = time.Duration(delayNoise * float64(time.Second))
	}
	if has("i", "first-hop") {
		cfg.FirstHop = firstHop
	}
	if has("t", "tor-dir") {
		cfg.TorDir = torDir
	}
	if has("a", "analysis-dir") {
		cfg.AnalysisDir = analysisDir
	}
	if has("v", "verbosity") {
		cfg.Verbosity = verbosity
	}
	if has("o", "logfile") {
		cfg.LogFile = logFile
	}
	if has("m", "metrics-port") {
		cfg.MetricsPort = metricsPort
	}
	if cfg.MetricsPort > 0 {
		cfg.EnableMetrics = true
	}
	if has("g", "geoip-db") {
		cfg.GeoIPPath = geoipDB
		cfg.UseOnionoo = false
	}

	cfg.Modules = fs.Args()
	return cfg, nil
}

func printUsage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintln(out, "torscan - run probing tasks over Tor exit relays")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  torscan [options] <task> [task...]")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Tasks: %s\n", strings.Join(task.DefaultRegistry.Names(), ", "))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Options (each also available as its long form):")
	fs.PrintDefaults()
}

// loadRequestedExits resolves the -e/-E flags into the fingerprint
// whitelist the selector understands.
func loadRequestedExits(cfg *config.Config) error {
	if cfg.Exit != "" {
		cfg.Fingerprints = []string{cfg.Exit}
		return nil
	}
	if cfg.ExitFile == "" {
		return nil
	}

	f, err := os.Open(cfg.ExitFile)
	if err != nil {
		return fmt.Errorf("could not read exit file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cfg.Fingerprints = append(cfg.Fingerprints, line)
	}
	return scanner.Err()
}

func run(args []string) int {
	cfg, err := parseArgs(args)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if err := loadRequestedExits(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	level, err := logger.ParseLevel(cfg.Verbosity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	logOut := os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not open log file: %v\n", err)
			return 1
		}
		defer f.Close()
		logOut = f
	}
	log := logger.New(level, logOut)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return scan(ctx, cfg, log)
}

func scan(ctx context.Context, cfg *config.Config, log *logger.Logger) int {
	if err := autoconfig.EnsureDataDir(cfg.TorDir); err != nil {
		log.Error("could not create tor data directory", "path", cfg.TorDir, "error", err)
		return 1
	}
	if cfg.AnalysisDir != "" {
		if err := autoconfig.EnsureDataDir(cfg.AnalysisDir); err != nil {
			log.Error("could not create analysis directory", "path", cfg.AnalysisDir, "error", err)
			return 1
		}
	}

	var m *metrics.Metrics
	if cfg.EnableMetrics {
		m = metrics.New()
		srv := httpmetrics.NewServer(fmt.Sprintf("127.0.0.1:%d", cfg.MetricsPort), m, log)
		if err := srv.Start(); err != nil {
			log.Error("could not start metrics server", "error", err)
			return 1
		}
		defer srv.Stop()
		log.Info("metrics server listening", "address", srv.GetAddress())
	}

	proc, err := torproc.Start(ctx, torproc.Config{DataDir: cfg.TorDir}, log)
	if err != nil {
		log.Error("could not launch tor", "error", err)
		return 1
	}
	defer proc.Close()

	socksAddr, err := proc.SocksAddr(ctx)
	if err != nil {
		log.Error("could not determine tor's SOCKS address", "error", err)
		return 1
	}
	log.Info("tor is up", "socks_addr", socksAddr)

	if cfg.FirstHop != "" {
		inConsensus, err := firstHopInConsensus(cfg.TorDir, cfg.FirstHop)
		if err != nil {
			log.Error("could not check first hop against consensus", "error", err)
			return 1
		}
		if !inConsensus {
			log.Error("given first hop not found in consensus, is it offline?", "first_hop", cfg.FirstHop)
			return 1
		}
	}

	var geoDB *geoip.DB
	if cfg.GeoIPPath != "" {
		geoDB, err = geoip.Open(cfg.GeoIPPath, log)
		if err != nil {
			log.Error("could not open geoip database", "path", cfg.GeoIPPath, "error", err)
			return 1
		}
		defer geoDB.Close()
	}

	hops, err := path.NewHopHistory(cfg.TorDir, log)
	if err != nil {
		log.Warn("first-hop history unavailable", "error", err)
	}

	st := stats.New()
	drv := driver.Config{
		Controller: proc,
		SocksAddr:  socksAddr,
		DataDir:    cfg.TorDir,
		Registry:   task.DefaultRegistry,
		Criteria: path.Criteria{
			GoodExit:              cfg.AllExits || !cfg.BadExits,
			BadExit:               cfg.AllExits || cfg.BadExits,
			Country:               cfg.Country,
			Nickname:              cfg.Nickname,
			Address:               cfg.Address,
			RequestedFingerprints: cfg.Fingerprints,
			UseOnionoo:            cfg.UseOnionoo,
			GeoDB:                 geoDB,
		},
		FirstHop:    cfg.FirstHop,
		BuildDelay:  cfg.BuildDelay,
		DelayNoise:  cfg.DelayNoise,
		TaskTimeout: 5 * time.Minute,
		Stats:       st,
		Log:         log,
		Hops:        hops,
		Metrics:     m,
	}

	code := 0
	for _, name := range cfg.Modules {
		if ctx.Err() != nil {
			log.Info("scan interrupted")
			return 1
		}
		if err := drv.Run(ctx, name); err != nil {
			if errors.IsCategory(err, errors.CategorySelection) {
				log.Error("task failed", "task", name, "error", err)
				code = 1
				continue
			}
			if ctx.Err() != nil {
				log.Info("scan interrupted")
				return 1
			}
			log.Error("task failed", "task", name, "error", err)
			code = 1
		}
	}

	if hops != nil {
		if err := hops.Save(); err != nil {
			log.Debug("could not save first-hop history", "error", err)
		}
	}

	log.Info("scan complete", "summary", st.String())
	return code
}

// firstHopInConsensus reports whether fingerprint appears in the cached
// consensus the embedded Tor process has written so far.
func firstHopInConsensus(dataDir, fingerprint string) (bool, error) {
	fprs, err := directory.ConsensusFingerprints(dataDir)
	if err != nil {
		return false, err
	}
	for _, fpr := range fprs {
		if strings.EqualFold(fpr, fingerprint) {
			return true, nil
		}
	}
	return false, nil
}
