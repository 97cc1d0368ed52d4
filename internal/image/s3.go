// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image

import (
	"net/http"

	"github.com/faithanalog/crucible/internal/region/objproxy/s3"
)

// S3Options of the s3:// images. The bucket and the object come from the url.
type S3Options struct {
	Remote    string
	Region    string
	AccessKey string
	SecretKey string

	HTTPClient *http.Client
}

type s3Fetcher struct {
	store *s3.S3
	name  string
}

func newS3Fetcher(o S3Options, bucket, name string) (*s3Fetcher, error) {
	store, err := s3.New(s3.Options{
		Remote:     o.Remote,
		Region:     o.Region,
		Bucket:     bucket,
		AccessKey:  o.AccessKey,
		SecretKey:  o.SecretKey,
		HTTPClient: o.HTTPClient,
	})

	if err != nil {
		return nil, err
	}

	return &s3Fetcher{
		store: store,
		name:  name,
	}, nil
}

func (f *s3Fetcher) Size() (int64, error) {
	return f.store.Size(f.name)
}

func (f *s3Fetcher) FetchAt(buf []byte, offset int64) error {
	return f.store.ReadAt(f.name, buf, offset)
}
