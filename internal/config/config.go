// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for
	// all parameters will be used instead.
	DefaultPath = "/etc/crucible/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	BlockSize  uint64 `toml:"block_size" env:"CRUCIBLE_BLOCKSIZE" env-default:"512" env-description:"Block size used by create-region when not given."`
	Generation uint64 `toml:"generation" env:"CRUCIBLE_GENERATION" env-default:"1" env-description:"Generation passed to the activation of the volume."`

	S3 struct {
		Bucket      string `toml:"bucket" env:"CRUCIBLE_S3_BUCKET" env-description:"S3 Bucket name." env-default:"crucible"`
		Region      string `toml:"region" env:"CRUCIBLE_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		Remote      string `toml:"remote" env:"CRUCIBLE_S3_REMOTE" env-description:"S3 Remote address for s3:// images. Empty string for AWS S3 endpoint." env-default:""`
		AccessKey   string `toml:"access_key" env:"CRUCIBLE_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"CRUCIBLE_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Uploaders   int    `toml:"uploaders" env:"CRUCIBLE_S3_UPLOADERS" env-description:"S3 Max number of uploader threads per region." env-default:"16"`
		Downloaders int    `toml:"downloaders" env:"CRUCIBLE_S3_DOWNLOADERS" env-description:"S3 Max number of downloader threads per region." env-default:"16"`
	} `toml:"s3"`

	Region struct {
		CompactObjectSize int64 `toml:"compact_object_size" env:"CRUCIBLE_REGION_COMPACTSIZE" env-description:"Maximal size of objects created by threshold GC in MB." env-default:"4"`
	} `toml:"region"`

	GC struct {
		Step        int64   `toml:"step" env:"CRUCIBLE_GC_STEP" env-description:"Step for traversing the extent map for living extents. In blocks." env-default:"1024"`
		LiveData    float64 `toml:"live_data" env:"CRUCIBLE_GC_LIVEDATA" env-description:"Live data ratio threshold for threshold GC triggered by SIGUSR1." env-default:"0.3"`
		Wait        int64   `toml:"wait" env:"CRUCIBLE_GC_WAIT" env-description:"How many seconds wait before next dead GC round." env-default:"600"`
		MaxFailures int     `toml:"max_failures" env:"CRUCIBLE_GC_MAXFAILURES" env-description:"Consecutive dead GC failures after which the region session gives up." env-default:"5"`
	} `toml:"gc"`

	HTTP struct {
		Connect          int64 `toml:"connect" env:"CRUCIBLE_HTTP_CONNECT" env-description:"Connect timeout in ms." env-default:"5000"`
		KeepAlive        int64 `toml:"keep_alive" env:"CRUCIBLE_HTTP_KEEPALIVE" env-description:"Connection keep alive in ms." env-default:"30000"`
		ExpectContinue   int64 `toml:"expect_continue" env:"CRUCIBLE_HTTP_EXPECTCONTINUE" env-description:"Expect continue timeout in ms." env-default:"1000"`
		IdleConn         int64 `toml:"idle_conn" env:"CRUCIBLE_HTTP_IDLECONN" env-description:"Idle connection timeout in ms." env-default:"90000"`
		ResponseHeader   int64 `toml:"response_header" env:"CRUCIBLE_HTTP_RESPONSEHEADER" env-description:"Response header timeout in ms." env-default:"5000"`
		TLSHandshake     int64 `toml:"tls_handshake" env:"CRUCIBLE_HTTP_TLSHANDSHAKE" env-description:"TLS handshake timeout in ms." env-default:"5000"`
		MaxAllIdleConns  int   `toml:"max_idle_conns" env:"CRUCIBLE_HTTP_MAXIDLECONNS" env-description:"Maximal number of idle connections." env-default:"100"`
		MaxHostIdleConns int   `toml:"max_host_idle_conns" env:"CRUCIBLE_HTTP_MAXHOSTIDLECONNS" env-description:"Maximal number of idle connections per host." env-default:"10"`
	} `toml:"http"`

	Control struct {
		Listen string `toml:"listen" env:"CRUCIBLE_CONTROL_LISTEN" env-description:"Address of the control endpoint started by serve. Empty disables it." env-default:"127.0.0.1:7780"`
	} `toml:"control"`

	Log struct {
		Level  int  `toml:"level" env:"CRUCIBLE_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"CRUCIBLE_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"CRUCIBLE_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"CRUCIBLE_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Load reads the configuration file on path and the environment variables.
// The configuration file has the lower priority and the environment variables
// have the highest priority. It is perfectly fine to use just one of these or
// to combine them.
func Load(path string) error {
	Cfg = Config{ConfigPath: path}

	return parse()
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Region.CompactObjectSize *= 1024 * 1024

	return nil
}

// Usage returns description of all configuration variables.
func Usage() string {
	text, err := cleanenv.GetDescription(&Cfg, nil)
	if err != nil {
		return ""
	}

	return text
}

// GCWait returns the pause between dead GC rounds.
func (c *Config) GCWait() time.Duration {
	return time.Duration(c.GC.Wait) * time.Second
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// HTTPTimeouts returns connect, keep alive, expect continue, idle connection,
// response header and TLS handshake timeouts in this order.
func (c *Config) HTTPTimeouts() (connect, keepAlive, expectContinue, idleConn, responseHeader, tlsHandshake time.Duration) {
	h := c.HTTP

	return ms(h.Connect), ms(h.KeepAlive), ms(h.ExpectContinue), ms(h.IdleConn), ms(h.ResponseHeader), ms(h.TLSHandshake)
}
