// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package region

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/faithanalog/crucible/internal/blockio"
	"github.com/faithanalog/crucible/internal/config"
	"github.com/faithanalog/crucible/internal/httpclient"
	"github.com/faithanalog/crucible/internal/region/objproxy"
	"github.com/faithanalog/crucible/internal/region/objproxy/s3"
)

// StoreOpener returns object store of one target.
type StoreOpener func(target string, opts Options) (objproxy.ObjectStore, error)

// Dialer opens region sessions. Everything not specified by the construction
// request comes from the dialer.
type Dialer struct {
	Config Config

	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	HTTP      httpclient.Settings

	// OpenStore overrides the S3 stores when set.
	OpenStore StoreOpener
}

// DefaultDialer returns dialer configured by the global configuration.
func DefaultDialer() *Dialer {
	return &Dialer{
		Config: Config{
			Uploaders:         config.Cfg.S3.Uploaders,
			Downloaders:       config.Cfg.S3.Downloaders,
			GCWait:            config.Cfg.GCWait(),
			GCMaxFailures:     config.Cfg.GC.MaxFailures,
			CompactObjectSize: config.Cfg.Region.CompactObjectSize,
		},
		Bucket:    config.Cfg.S3.Bucket,
		Region:    config.Cfg.S3.Region,
		AccessKey: config.Cfg.S3.AccessKey,
		SecretKey: config.Cfg.S3.SecretKey,
		HTTP:      httpclient.SettingsFromConfig(),
	}
}

// Returns S3 store of the target with encryption and TLS set by opts.
func (d *Dialer) openS3(target string, opts Options) (objproxy.ObjectStore, error) {
	tlsConfig, err := opts.tlsConfig()
	if err != nil {
		return nil, err
	}

	customerKey, err := opts.customerKey()
	if err != nil {
		return nil, err
	}

	return s3.New(s3.Options{
		Remote:       endpoint(target, tlsConfig != nil),
		Region:       d.Region,
		Bucket:       d.Bucket,
		AccessKey:    d.AccessKey,
		SecretKey:    d.SecretKey,
		CustomerKey:  customerKey,
		HTTPClient:   httpclient.New(d.HTTP, tlsConfig),
		CreateBucket: true,
	})
}

// Returns store replicating objects to all targets.
func (d *Dialer) store(opts Options) (objproxy.ObjectStore, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	open := d.OpenStore
	if open == nil {
		open = d.openS3
	}

	stores := make([]objproxy.ObjectStore, 0, len(opts.Target))
	for _, t := range opts.Target {
		s, err := open(t, opts)
		if err != nil {
			return nil, err
		}

		stores = append(stores, s)
	}

	return newReplicated(opts.Target, stores), nil
}

// Dial returns inactive session of the region on opts.Target.
func (d *Dialer) Dial(blockSize uint64, opts Options) (*Session, error) {
	if blockSize < extentRecordSize {
		return nil, blockio.ErrInvalidBlockSize.WithMessage(fmt.Sprintf("%d", blockSize))
	}

	store, err := d.store(opts)
	if err != nil {
		return nil, err
	}

	log.Debug().Strs("targets", opts.Target).Bool("lossy", opts.Lossy).Bool("encrypted", opts.Key != "").
		Msg("Region session opened.")

	return New(blockSize, store, d.Config, opts), nil
}

// Create stores descriptor of a new region on all targets.
func (d *Dialer) Create(blockSize, blocks uint64, opts Options) (Descriptor, error) {
	store, err := d.store(opts)
	if err != nil {
		return Descriptor{}, err
	}

	desc, err := Create(store, blockSize, blocks)
	if err != nil {
		return Descriptor{}, err
	}

	log.Info().Str("region", desc.UUID.String()).Strs("targets", opts.Target).
		Uint64("blocks", blocks).Uint64("block_size", blockSize).Msg("Region created.")

	return desc, nil
}
