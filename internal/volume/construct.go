// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package volume

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/faithanalog/crucible/internal/block"
	"github.com/faithanalog/crucible/internal/blockio"
	"github.com/faithanalog/crucible/internal/region"
)

// Session is a region backend with its own background task. Run is executed
// in a separate go routine for the whole life of the session and returns
// when ctx is cancelled or the session cannot continue.
type Session interface {
	blockio.BlockIO
	Run(ctx context.Context) error
}

// ImageOpener returns read only backend serving the image on url.
type ImageOpener func(blockSize uint64, url string) (blockio.BlockIO, error)

// RegionOpener returns new, not yet activated, region session.
type RegionOpener func(blockSize uint64, opts region.Options) (Session, error)

// Openers create the leaf backends of the request tree.
type Openers struct {
	Image  ImageOpener
	Region RegionOpener
}

// Builder interprets construction requests and supervises the background
// tasks of the region sessions it creates. The first session failing
// cancels all the others and its error is returned by Wait.
type Builder struct {
	openers Openers

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// Lock guarding sessions.
	lock     sync.Mutex
	sessions []Session
}

func NewBuilder(ctx context.Context, openers Openers) *Builder {
	ctx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(ctx)

	return &Builder{
		openers: openers,
		ctx:     groupCtx,
		cancel:  cancel,
		group:   group,
	}
}

// Construct builds the volume tree bottom-up. The first error aborts the
// whole construction. Sessions started before the error keep running until
// Close.
func (b *Builder) Construct(request Request) (*Volume, error) {
	switch r := request.(type) {
	case *VolumeRequest:
		return b.constructVolume(r)

	case *URLRequest:
		return b.constructURL(r)

	case *RegionRequest:
		return b.constructRegion(r)
	}

	return nil, blockio.ErrInvalidRequest.WithMessage(fmt.Sprintf("unexpected request %T", request))
}

func checkBlockSize(blockSize uint64) error {
	if !block.IsValidSize(blockSize) {
		return blockio.ErrInvalidBlockSize.WithMessage(fmt.Sprintf("%d", blockSize))
	}

	return nil
}

func (b *Builder) constructVolume(r *VolumeRequest) (*Volume, error) {
	if err := checkBlockSize(r.BlockSize); err != nil {
		return nil, err
	}

	vol := New(r.BlockSize)

	for _, subRequest := range r.SubVolumes {
		sub, err := b.Construct(subRequest)
		if err != nil {
			return nil, err
		}

		if err := vol.AddSubVolume(sub); err != nil {
			return nil, err
		}
	}

	if r.ReadOnlyParent != nil {
		parent, err := b.Construct(r.ReadOnlyParent)
		if err != nil {
			return nil, err
		}

		if err := vol.AddReadOnlyParent(parent); err != nil {
			return nil, err
		}
	}

	log.Debug().Str("volume", vol.uuid.String()).Int("sub_volumes", len(r.SubVolumes)).
		Bool("read_only_parent", r.ReadOnlyParent != nil).Msg("Volume constructed.")

	return vol, nil
}

func (b *Builder) constructURL(r *URLRequest) (*Volume, error) {
	if err := checkBlockSize(r.BlockSize); err != nil {
		return nil, err
	}

	if b.openers.Image == nil {
		return nil, blockio.ErrInvalidRequest.WithMessage("url volumes are not supported")
	}

	image, err := b.openers.Image(r.BlockSize, r.URL)
	if err != nil {
		return nil, err
	}

	vol := New(r.BlockSize)
	if err := vol.AddSubVolume(image); err != nil {
		return nil, err
	}

	log.Debug().Str("url", r.URL).Msg("Image volume constructed.")

	return vol, nil
}

func (b *Builder) constructRegion(r *RegionRequest) (*Volume, error) {
	if err := checkBlockSize(r.BlockSize); err != nil {
		return nil, err
	}

	if b.openers.Region == nil {
		return nil, blockio.ErrInvalidRequest.WithMessage("region volumes are not supported")
	}

	session, err := b.openers.Region(r.BlockSize, r.Opts)
	if err != nil {
		return nil, err
	}

	b.spawn(session, r.Opts.Target)

	err = session.Activate(r.Gen)
	if err != nil && !errors.Is(err, blockio.ErrUpstairsAlreadyActive) {
		return nil, err
	}

	vol := New(r.BlockSize)
	if err := vol.AddSubVolume(session); err != nil {
		return nil, err
	}

	log.Debug().Strs("targets", r.Opts.Target).Uint64("gen", r.Gen).Msg("Region volume constructed.")

	return vol, nil
}

// Runs the background task of the session. Its result is never lost, it is
// logged here and the first failure is reported by Wait.
func (b *Builder) spawn(session Session, targets []string) {
	b.lock.Lock()
	b.sessions = append(b.sessions, session)
	b.lock.Unlock()

	b.group.Go(func() error {
		err := session.Run(b.ctx)
		if err != nil {
			log.Error().Err(err).Strs("targets", targets).Msg("Region session failed.")
		} else {
			log.Info().Strs("targets", targets).Msg("Region session finished.")
		}

		return err
	})
}

// Sessions returns all sessions started by the builder.
func (b *Builder) Sessions() []Session {
	b.lock.Lock()
	defer b.lock.Unlock()

	return append([]Session(nil), b.sessions...)
}

// Compact runs threshold garbage collection on every session supporting it.
func (b *Builder) Compact(liveData float64, step int64) error {
	var result error

	for _, s := range b.Sessions() {
		c, ok := s.(interface {
			Compact(liveData float64, step int64) error
		})
		if !ok {
			continue
		}

		if err := c.Compact(liveData, step); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result
}

// Wait blocks until all background tasks finish and returns the first
// failure.
func (b *Builder) Wait() error {
	return b.group.Wait()
}

// Close stops all background tasks and waits for them.
func (b *Builder) Close() error {
	b.cancel()

	return b.group.Wait()
}
