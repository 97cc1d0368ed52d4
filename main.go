// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// crucible builds block volumes out of construction requests and serves them.
// A volume is an ordered stack of sub volumes, local or remote, optionally
// layered over a read only parent image.
//
// Project structure is following:
//
// - internal/block contains block addressing, buffers with ownership tracking
// and byte to block translation.
//
// - internal/blockio defines the interface every backend implements together
// with the errors and completions shared by all of them.
//
// - internal/volume composes backends into volumes and interprets the
// construction requests.
//
// - internal/memory, internal/image and internal/region are the backends. The
// region is the replicated log-structured store in s3 compatible object
// storage.
//
// - internal/device, internal/control, internal/httpclient and
// internal/config are the supporting packages used by the commands.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/faithanalog/crucible/internal/blockio"
	"github.com/faithanalog/crucible/internal/config"
	"github.com/faithanalog/crucible/internal/httpclient"
	"github.com/faithanalog/crucible/internal/image"
	"github.com/faithanalog/crucible/internal/region"
	"github.com/faithanalog/crucible/internal/volume"
)

func main() {
	app := &cli.App{
		Name:  "crucible",
		Usage:       "Build block volumes from construction requests and serve them",
		Description: config.Usage(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   config.DefaultPath,
				Usage:   "Path to configuration file",
			},
			&cli.Uint64Flag{
				Name:  "gen",
				Usage: "Activation generation, configured value when 0",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:      "info",
				Usage:     "Build and activate the volume and print its state",
				ArgsUsage: "REQUEST",
				Action:    info,
			},
			{
				Name:      "dump",
				Usage:     "Copy volume content to a file",
				ArgsUsage: "REQUEST",
				Action:    dump,
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "offset", Usage: "First byte to copy"},
					&cli.Uint64Flag{Name: "length", Usage: "Number of bytes to copy, till the end when 0"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file, stdout when empty"},
				},
			},
			{
				Name:      "load",
				Usage:     "Write file content into the volume",
				ArgsUsage: "REQUEST FILE",
				Action:    load,
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "offset", Usage: "First byte to write"},
				},
			},
			{
				Name:   "create-region",
				Usage:  "Create new empty region on all targets",
				Action: createRegion,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "target", Aliases: []string{"t"}, Required: true, Usage: "Storage endpoint host:port, once per replica"},
					&cli.Uint64Flag{Name: "block-size", Usage: "Block size, configured value when 0"},
					&cli.Uint64Flag{Name: "size", Required: true, Usage: "Region size in bytes"},
					&cli.StringFlag{Name: "key", Usage: "Base64 encoded 32 byte encryption key"},
				},
			},
			{
				Name:      "serve",
				Usage:     "Serve the volume until interrupted",
				ArgsUsage: "REQUEST",
				Action:    serve,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

// Parse configuration from file and environment variables and set up the
// logger and the profiler.
func setup(c *cli.Context) error {
	if err := config.Load(c.String("config")); err != nil {
		return err
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	return nil
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}

// Returns openers of the leaf backends configured by the global
// configuration.
func openers() volume.Openers {
	dialer := region.DefaultDialer()
	client := httpclient.New(httpclient.SettingsFromConfig(), nil)

	images := image.Opener{
		HTTP: image.HTTPOptions{Client: client},
		S3: image.S3Options{
			Remote:     config.Cfg.S3.Remote,
			Region:     config.Cfg.S3.Region,
			AccessKey:  config.Cfg.S3.AccessKey,
			SecretKey:  config.Cfg.S3.SecretKey,
			HTTPClient: client,
		},
	}

	return volume.Openers{
		Image: func(blockSize uint64, url string) (blockio.BlockIO, error) {
			img, err := images.Open(blockSize, url)
			if err != nil {
				return nil, err
			}

			return img, nil
		},
		Region: func(blockSize uint64, opts region.Options) (volume.Session, error) {
			s, err := dialer.Dial(blockSize, opts)
			if err != nil {
				return nil, err
			}

			return s, nil
		},
	}
}
