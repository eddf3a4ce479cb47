package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/goingest/internal/config"
	"github.com/3leaps/goingest/pkg/archive"
	"github.com/3leaps/goingest/pkg/casestore"
	"github.com/3leaps/goingest/pkg/cleanup"
	"github.com/3leaps/goingest/pkg/decrypt"
	"github.com/3leaps/goingest/pkg/discovery"
	"github.com/3leaps/goingest/pkg/ingest"
	"github.com/3leaps/goingest/pkg/jobregistry"
	"github.com/3leaps/goingest/pkg/manifest"
	"github.com/3leaps/goingest/pkg/provider"
	fileprovider "github.com/3leaps/goingest/pkg/provider/file"
	s3provider "github.com/3leaps/goingest/pkg/provider/s3"
	sftpprovider "github.com/3leaps/goingest/pkg/provider/sftp"
	"github.com/3leaps/goingest/pkg/remote"
	"github.com/3leaps/goingest/pkg/statedb"
	"github.com/3leaps/goingest/pkg/transition"
)

// pipeline is the wired set of components behind run and serve.
type pipeline struct {
	manifest     *manifest.Manifest
	db           *sql.DB
	requests     *decrypt.RequestStore
	cases        *casestore.Store
	coordinator  *decrypt.Coordinator
	orchestrator *ingest.Orchestrator
	jobs         *jobregistry.Store

	closers []io.Closer
}

func (p *pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// loadManifest reads cfg.Manifest.Path, or returns the built-in profiles.
func loadManifest(cfg *config.Config) (*manifest.Manifest, error) {
	if strings.TrimSpace(cfg.Manifest.Path) == "" {
		return builtinManifest(), nil
	}
	return manifest.Load(cfg.Manifest.Path)
}

func builtinManifest() *manifest.Manifest {
	m := &manifest.Manifest{Version: "1.0"}
	for _, a := range []discovery.Agency{discovery.LTA(), discovery.Toppan()} {
		m.Agencies = append(m.Agencies, manifest.AgencyConfig{
			Name:          a.Name,
			Directory:     a.Directory,
			Pattern:       a.Pattern.String(),
			KeyGroup:      a.KeyGroup,
			TypeGroup:     a.TypeGroup,
			PrimaryMarker: a.PrimaryMarker,
			AckOnlyTypes:  a.AckOnlyTypes,
		})
	}
	m.ApplyDefaults()
	return m
}

func openStateDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	p, err := statePath(cfg)
	if err != nil {
		return nil, err
	}
	return statedb.Open(ctx, statedb.Config{Path: p, URL: cfg.State.URL, AuthToken: cfg.State.AuthToken})
}

func newRemoteProvider(cfg config.RemoteConfig) (provider.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "sftp":
		sc := sftpprovider.Config{
			Host:                  cfg.Host,
			Port:                  cfg.Port,
			User:                  cfg.User,
			Password:              cfg.Password,
			PrivateKeyPassphrase:  cfg.PrivateKeyPassphrase,
			KnownHostsFile:        cfg.KnownHostsFile,
			InsecureIgnoreHostKey: cfg.InsecureIgnoreHostKey,
			BaseDir:               cfg.BaseDir,
			DialTimeout:           cfg.DialTimeout,
		}
		if cfg.PrivateKeyFile != "" {
			key, err := os.ReadFile(cfg.PrivateKeyFile)
			if err != nil {
				return nil, fmt.Errorf("read remote private key: %w", err)
			}
			sc.PrivateKey = key
		}
		return sftpprovider.New(sc)
	case "file":
		return fileprovider.New(fileprovider.Config{BaseDir: cfg.BaseDir})
	default:
		return nil, fmt.Errorf("unknown remote provider %q (want sftp or file)", cfg.Provider)
	}
}

func newArchiveProvider(ctx context.Context, cfg config.ArchiveConfig) (provider.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "s3":
		return s3provider.New(ctx, s3provider.Config{
			Bucket:               cfg.Bucket,
			Prefix:               cfg.Prefix,
			Region:               cfg.Region,
			Endpoint:             cfg.Endpoint,
			Profile:              cfg.Profile,
			AccessKeyID:          cfg.AccessKeyID,
			SecretAccessKey:      cfg.SecretAccessKey,
			ForcePathStyle:       cfg.ForcePathStyle,
			ServerSideEncryption: cfg.ServerSideEncryption,
			KMSKeyID:             cfg.KMSKeyID,
			StorageClass:         cfg.StorageClass,
		})
	case "file":
		return fileprovider.New(fileprovider.Config{BaseDir: cfg.BaseDir})
	default:
		return nil, fmt.Errorf("unknown archive provider %q (want s3 or file)", cfg.Provider)
	}
}

func archiveBaseURL(cfg config.ArchiveConfig) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	switch strings.ToLower(cfg.Provider) {
	case "file":
		return "file://" + cfg.BaseDir
	default:
		if p := strings.Trim(cfg.Prefix, "/"); p != "" {
			return "s3://" + cfg.Bucket + "/" + p
		}
		return "s3://" + cfg.Bucket
	}
}

// buildPipeline wires every component from cfg. The caller must Close it.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *pipeline, err error) {
	p := &pipeline{}
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	p.manifest, err = loadManifest(cfg)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	agencies, err := p.manifest.DiscoveryAgencies()
	if err != nil {
		return nil, err
	}
	durations, err := p.manifest.Transition.ParseDurations()
	if err != nil {
		return nil, err
	}
	loc, err := p.manifest.Transition.Location()
	if err != nil {
		return nil, err
	}
	ttl, err := p.manifest.Run.ParseRequestTTL()
	if err != nil {
		return nil, err
	}
	if ttl == 0 {
		ttl = cfg.Decrypt.RequestTTL
	}

	p.db, err = openStateDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	p.closers = append(p.closers, p.db)
	if p.requests, err = decrypt.NewRequestStore(ctx, p.db); err != nil {
		return nil, err
	}
	if p.cases, err = casestore.New(ctx, p.db); err != nil {
		return nil, err
	}

	remoteProv, err := newRemoteProvider(cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("remote store: %w", err)
	}
	p.closers = append(p.closers, remoteProv)
	remoteStore, err := remote.NewProviderStore(remoteProv, remote.Options{MaxDownloadBytes: cfg.Remote.MaxDownloadBytes})
	if err != nil {
		return nil, err
	}

	archiveProv, err := newArchiveProvider(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	p.closers = append(p.closers, archiveProv)
	putter, ok := archiveProv.(provider.ObjectPutter)
	if !ok {
		return nil, fmt.Errorf("archive provider %q does not support uploads", cfg.Archive.Provider)
	}
	arch, err := archive.NewProviderArchive(putter, archiveBaseURL(cfg.Archive))
	if err != nil {
		return nil, err
	}

	gateway, err := decrypt.NewHTTPGateway(decrypt.HTTPGatewayConfig{
		TokenURL:    cfg.Decrypt.TokenURL,
		SyncURL:     cfg.Decrypt.SyncURL,
		BearerToken: cfg.Decrypt.BearerToken,
		Timeout:     cfg.Decrypt.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("decrypt gateway: %w", err)
	}

	disc, err := discovery.New(discovery.Config{
		Store:    remoteStore,
		Agencies: agencies,
		Claims:   p.requests,
		Logger:   logger.Named("discovery"),
	})
	if err != nil {
		return nil, err
	}

	p.coordinator, err = decrypt.NewCoordinator(decrypt.Config{
		Store:         p.requests,
		Remote:        remoteStore,
		Archive:       arch,
		Gateway:       gateway,
		AppCode:       cfg.Decrypt.AppCode,
		Modes:         p.manifest.DecryptModes(),
		ArchiveFolder: cfg.Archive.Folder,
		Logger:        logger.Named("decrypt"),
	})
	if err != nil {
		return nil, err
	}

	var adminFee float64
	if p.manifest.Transition.AdminFee != nil {
		adminFee = *p.manifest.Transition.AdminFee
	}
	engine, err := transition.NewEngine(transition.Config{
		Store:     p.cases,
		Durations: durations,
		AdminFee:  adminFee,
		ChunkSize: p.manifest.Transition.ChunkSize,
		Location:  loc,
		Logger:    logger.Named("transition"),
	})
	if err != nil {
		return nil, err
	}

	cleaner, err := cleanup.New(remoteStore, logger.Named("cleanup"))
	if err != nil {
		return nil, err
	}

	jobsDir, err := jobsRootDir(cfg)
	if err != nil {
		return nil, err
	}
	p.jobs = jobregistry.NewStore(jobsDir)

	concurrency := p.manifest.Run.Concurrency
	if concurrency == 0 {
		concurrency = cfg.Workers
	}
	p.orchestrator, err = ingest.New(ingest.Config{
		Discoverer:  disc,
		Resolver:    p.coordinator,
		Parsers:     ingest.DefaultParsers(loc),
		Engine:      engine,
		Cleanup:     cleaner,
		Archive:     arch,
		Jobs:        p.jobs,
		Concurrency: concurrency,
		RateLimit:   p.manifest.Run.RateLimit,
		RequestTTL:  ttl,
		Logger:      logger.Named("ingest"),
	})
	if err != nil {
		return nil, err
	}
	p.coordinator.SetResumer(p.orchestrator)
	return p, nil
}

// openRequestStore opens only the decrypt request table, for read-only
// commands. Closing the store closes the database.
func openRequestStore(ctx context.Context, cfg *config.Config) (*decrypt.RequestStore, error) {
	p, err := statePath(cfg)
	if err != nil {
		return nil, err
	}
	return decrypt.OpenRequestStore(ctx, statedb.Config{Path: p, URL: cfg.State.URL, AuthToken: cfg.State.AuthToken})
}
