package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/meshdrive/internal/config"
	"github.com/tunnelmesh/meshdrive/internal/logging/audit"
	"github.com/tunnelmesh/meshdrive/internal/logging/loki"
	"github.com/tunnelmesh/meshdrive/internal/metadata"
	"github.com/tunnelmesh/meshdrive/internal/metrics"
	"github.com/tunnelmesh/meshdrive/internal/objstore"
	"github.com/tunnelmesh/meshdrive/internal/quota"
	"github.com/tunnelmesh/meshdrive/internal/vfs"
)

// app is everything a command needs, built once per invocation.
type app struct {
	cfg      *config.Config
	svc      *vfs.Service
	index    *metadata.Index
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	owner    string
	textfile string
	loki     *loki.Writer
}

var errNoOwner = errors.New("no owner: pass --owner or set identity.owner in the config file")

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if o.cfgFile != "" {
		var err error
		cfg, err = config.Load(o.cfgFile)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) open() (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		registry: metrics.NewRegistry(),
		owner:    cfg.Identity.Owner,
		textfile: o.metricsTextfile,
	}
	if o.owner != "" {
		a.owner = o.owner
	}
	a.metrics = metrics.New(a.registry)
	a.startLoki()

	backend, err := newStore(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	store := objstore.NewInstrumented(backend, a.metrics)

	var usage quota.UsageSource = quota.StoreUsage{Store: store}
	if cfg.Metadata.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Metadata.Path), 0700); err != nil {
			a.close()
			return nil, fmt.Errorf("create metadata dir: %w", err)
		}
		a.index, err = metadata.Open(cfg.Metadata.Path)
		if err != nil {
			a.close()
			return nil, err
		}
		usage = a.index
	}

	stamps, err := vfs.ParseStampSource(cfg.Keys.Stamp)
	if err != nil {
		a.close()
		return nil, err
	}

	a.svc, err = vfs.New(vfs.Options{
		Store:             store,
		Quota:             quota.NewLedger(usage, cfg.Quota.DefaultLimit.Int64(), cfg.QuotaOverrides()),
		Index:             a.index,
		Stamps:            stamps,
		MaxUploadSize:     cfg.Upload.MaxSize.Int64(),
		DeleteConcurrency: cfg.Delete.Concurrency,
		PublicURL:         vfs.PublicURL{Container: cfg.PublicURL.Container, Endpoint: cfg.PublicURL.Endpoint},
		Metrics:           a.metrics,
		Audit:             audit.NewLogger(log.Logger.With().Str("component", "audit").Logger()),
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func newStore(cfg *config.Config) (objstore.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendS3:
		s3 := cfg.Storage.S3
		return objstore.NewBucket(objstore.S3Config{
			Bucket:          s3.Bucket,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			ForcePathStyle:  s3.ForcePathStyle,
		})
	default:
		return objstore.NewDisk(cfg.Storage.Disk.DataDir, objstore.DiskOptions{
			Compress: cfg.Storage.Disk.Compress,
		})
	}
}

// startLoki tees the global logger into Loki when logging.loki.url is set.
func (a *app) startLoki() {
	lc := a.cfg.Logging.Loki
	if lc.URL == "" {
		return
	}
	labels := map[string]string{}
	for k, v := range lc.Labels {
		labels[k] = v
	}
	if a.owner != "" {
		labels["owner"] = a.owner
	}
	a.loki = loki.NewWriter(loki.Config{
		URL:           lc.URL,
		Labels:        labels,
		BatchSize:     lc.BatchSize,
		FlushInterval: lc.FlushInterval,
	})
	a.loki.Start()

	log.Logger = log.Output(zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr},
		a.loki,
	))
	log.Debug().Str("url", lc.URL).Msg("loki log shipping enabled")
}

// requireOwner returns the acting owner or errNoOwner.
func (a *app) requireOwner() (string, error) {
	if a.owner == "" {
		return "", errNoOwner
	}
	return a.owner, nil
}

// close flushes metrics and releases the metadata index.
func (a *app) close() {
	if a.textfile != "" {
		if err := metrics.WriteTextfile(a.registry, a.textfile); err != nil {
			log.Warn().Err(err).Str("path", a.textfile).Msg("failed to write metrics")
		}
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close metadata index")
		}
	}
	if a.loki != nil {
		a.loki.Stop()
	}
}

// withApp opens the app around fn and closes it afterwards.
func (o *rootOptions) withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := o.open()
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd, args, a)
	}
}
