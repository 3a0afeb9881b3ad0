package keapin

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/keapin/keapin/alloc"
	"github.com/keapin/keapin/config"
	"github.com/keapin/keapin/confstore/filestore"
	"github.com/keapin/keapin/httpd/gohttpd"
	"github.com/keapin/keapin/leasestore/csvfile"
	"github.com/keapin/keapin/metrics"
	"github.com/keapin/keapin/netinfo"
	"github.com/keapin/keapin/txn/sudotxn"
)

// Run the keapin
func Run(ctx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	var (
		configPath string
		listen     string
		iface      string
		keaConf    string
		keaLeases  string
		helper     string
		network    string
		first      int
		last       int
	)
	defaults := config.Default()
	flags := flag.NewFlagSet(fmt.Sprintf("keapin (v%s rev:%s)", version, revision), flag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "keapin config file path (yaml)")
	flags.StringVar(&listen, "listen", defaults.Listen, "HTTP listen address")
	flags.StringVar(&iface, "iface", defaults.Interface, "interface serving the managed subnet")
	flags.StringVar(&keaConf, "kea-conf", defaults.Kea.ConfigPath, "kea-dhcp4 configuration file")
	flags.StringVar(&keaLeases, "kea-leases", defaults.Kea.LeasePath, "kea-dhcp4 memfile lease database")
	flags.StringVar(&helper, "helper", defaults.Kea.HelperPath, "privileged helper path")
	flags.StringVar(&network, "network", defaults.Subnet.Network, "managed network CIDR")
	flags.IntVar(&first, "first", defaults.Subnet.First, "first usable host octet")
	flags.IntVar(&last, "last", defaults.Subnet.Last, "last usable host octet")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg := defaults
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg.Listen = listen
		cfg.Interface = iface
		cfg.Kea.ConfigPath = keaConf
		cfg.Kea.LeasePath = keaLeases
		cfg.Kea.HelperPath = helper
		cfg.Subnet.Network = network
		cfg.Subnet.First = first
		cfg.Subnet.Last = last
	}

	block, err := cfg.Block()
	if err != nil {
		return err
	}

	leases := csvfile.New(cfg.Kea.LeasePath, logger)
	manager := sudotxn.New(sudotxn.NewRunner(cfg.Kea.HelperPath), cfg.Kea.ConfigPath, logger)
	conf := filestore.New(cfg.Kea.ConfigPath, manager, logger)
	info := netinfo.New(logger)
	engine := alloc.New(block, leases, conf, info, logger)

	registry := metrics.NewRegistry(metrics.NewCollector(engine.Stats, logger))

	httpd, err := gohttpd.New(engine, info, cfg.Interface, registry, logger)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("starting httpd",
			zap.String("addr", cfg.Listen),
			zap.String("kea-conf", cfg.Kea.ConfigPath),
			zap.String("kea-leases", cfg.Kea.LeasePath))
		return httpd.Serve(ctx, cfg.Listen)
	})

	return eg.Wait()
}
