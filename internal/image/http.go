// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image

import (
	"fmt"
	"io"
	"io/ioutil"
	"net/http"

	"github.com/pkg/errors"

	"github.com/faithanalog/crucible/internal/httpclient"
)

// HTTPOptions of the http(s) images.
type HTTPOptions struct {
	// Client used for all requests. Default tuned client when nil.
	Client *http.Client
}

type httpFetcher struct {
	client *http.Client
	url    string
}

func newHTTPFetcher(o HTTPOptions, url string) *httpFetcher {
	client := o.Client
	if client == nil {
		client = httpclient.New(httpclient.DefaultSettings(), nil)
	}

	return &httpFetcher{
		client: client,
		url:    url,
	}
}

func (f *httpFetcher) Size() (int64, error) {
	resp, err := f.client.Head(f.url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	if resp.ContentLength < 0 {
		return 0, errors.New("unknown content length")
	}

	return resp.ContentLength, nil
}

// FetchAt downloads len(buf) bytes from offset. Servers ignoring the range
// are tolerated, the prefix of the full reply is skipped.
func (f *httpFetcher) FetchAt(buf []byte, offset int64) error {
	req, err := http.NewRequest(http.MethodGet, f.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(buf))-1))

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:

	case http.StatusOK:
		if _, err := io.CopyN(ioutil.Discard, resp.Body, offset); err != nil {
			return errors.Wrap(err, "skipping to the range")
		}

	default:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	_, err = io.ReadFull(resp.Body, buf)

	return err
}
