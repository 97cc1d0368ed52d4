// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/faithanalog/crucible/internal/config"
	"github.com/faithanalog/crucible/internal/control"
	"github.com/faithanalog/crucible/internal/device"
	"github.com/faithanalog/crucible/internal/region"
	"github.com/faithanalog/crucible/internal/volume"
)

func generation(c *cli.Context) uint64 {
	if gen := c.Uint64("gen"); gen != 0 {
		return gen
	}

	return config.Cfg.Generation
}

// Reads the construction request from path, "-" is stdin.
func readRequest(path string) (volume.Request, error) {
	if path == "" {
		return nil, fmt.Errorf("missing construction request")
	}

	if path == "-" {
		return volume.ReadRequest(os.Stdin)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return volume.ReadRequest(f)
}

// Builds and activates the volume of the request. The returned builder has to
// be closed.
func build(ctx context.Context, path string, gen uint64) (*volume.Volume, *volume.Builder, error) {
	request, err := readRequest(path)
	if err != nil {
		return nil, nil, err
	}

	builder := volume.NewBuilder(ctx, openers())

	vol, err := builder.Construct(request)
	if err != nil {
		builder.Close()
		return nil, nil, err
	}

	if err := vol.Activate(gen); err != nil {
		builder.Close()
		return nil, nil, err
	}

	id, _ := vol.UUID()
	log.Info().Str("volume", id.String()).Uint64("gen", gen).Msg("Volume activated.")

	return vol, builder, nil
}

// Returns device over the volume.
func open(c *cli.Context) (*device.Device, *volume.Builder, error) {
	vol, builder, err := build(c.Context, c.Args().First(), generation(c))
	if err != nil {
		return nil, nil, err
	}

	dev := device.New(vol)
	if err := dev.Activate(generation(c)); err != nil {
		builder.Close()
		return nil, nil, err
	}

	return dev, builder, nil
}

func info(c *cli.Context) error {
	vol, builder, err := build(c.Context, c.Args().First(), generation(c))
	if err != nil {
		return err
	}
	defer builder.Close()

	state, err := control.Collect(vol)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")

	return enc.Encode(state)
}

func dump(c *cli.Context) error {
	dev, builder, err := open(c)
	if err != nil {
		return err
	}
	defer builder.Close()

	offset := c.Uint64("offset")
	if offset > dev.Size() {
		return fmt.Errorf("offset %d is beyond the volume size %d", offset, dev.Size())
	}

	length := c.Uint64("length")
	if length == 0 || offset+length > dev.Size() {
		length = dev.Size() - offset
	}

	out := c.App.Writer
	if path := c.String("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()

		out = f
	}

	n, err := io.Copy(out, io.NewSectionReader(dev, int64(offset), int64(length)))
	if err != nil {
		return err
	}

	log.Info().Int64("bytes", n).Uint64("offset", offset).Msg("Volume dumped.")

	return nil
}

func load(c *cli.Context) error {
	if c.NArg() < 2 {
		return fmt.Errorf("expected REQUEST and FILE")
	}

	dev, builder, err := open(c)
	if err != nil {
		return err
	}
	defer builder.Close()

	f, err := os.Open(c.Args().Get(1))
	if err != nil {
		return err
	}
	defer f.Close()

	offset := int64(c.Uint64("offset"))

	n, err := io.Copy(io.NewOffsetWriter(dev, offset), f)
	if err != nil {
		return err
	}

	if err := dev.Flush(); err != nil {
		return err
	}

	log.Info().Int64("bytes", n).Int64("offset", offset).Msg("File loaded.")

	return nil
}

func createRegion(c *cli.Context) error {
	blockSize := c.Uint64("block-size")
	if blockSize == 0 {
		blockSize = config.Cfg.BlockSize
	}

	opts := region.Options{
		Target: c.StringSlice("target"),
		Key:    c.String("key"),
	}

	desc, err := region.DefaultDialer().Create(blockSize, c.Uint64("size")/blockSize, opts)
	if err != nil {
		return err
	}

	return json.NewEncoder(c.App.Writer).Encode(desc)
}

// Register SIGUSR1 as a trigger for threshold GC of all regions.
func registerSigUSR1Handler(ctx context.Context, builder *volume.Builder) {
	gcChan := make(chan os.Signal, 1)
	signal.Notify(gcChan, syscall.SIGUSR1)

	go func() {
		defer signal.Stop(gcChan)

		for {
			select {
			case <-ctx.Done():
				return

			case <-gcChan:
				log.Info().Msgf("Threshold GC started with threshold %1.2f.", config.Cfg.GC.LiveData)
				if err := builder.Compact(config.Cfg.GC.LiveData, config.Cfg.GC.Step); err != nil {
					log.Error().Err(err).Msg("Threshold GC failed.")
				}
			}
		}
	}()
}

// Serves the volume until SIGINT or SIGTERM comes in or a region session
// fails. The volume is flushed before the sessions are stopped.
func serve(c *cli.Context) error {
	vol, builder, err := build(c.Context, c.Args().First(), generation(c))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registerSigUSR1Handler(ctx, builder)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(builder.Wait)

	if addr := config.Cfg.Control.Listen; addr != "" {
		g.Go(func() error {
			return control.Serve(ctx, addr, vol)
		})
	}

	<-ctx.Done()
	log.Info().Msg("Stopping the volume.")

	if waiter, err := vol.Flush(nil); err != nil {
		log.Error().Err(err).Msg("Final flush failed.")
	} else if err := waiter.Wait(); err != nil {
		log.Error().Err(err).Msg("Final flush failed.")
	}

	closeErr := builder.Close()

	if err := g.Wait(); err != nil {
		return err
	}

	return closeErr
}
