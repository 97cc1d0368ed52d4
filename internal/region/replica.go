// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package region

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/faithanalog/crucible/internal/region/objproxy"
)

// replicated is an objproxy.ObjectStore keeping the same objects on all
// stores. Modifications have to succeed everywhere, reads are served by the
// first store which succeeds.
type replicated struct {
	targets []string
	stores  []objproxy.ObjectStore
}

func newReplicated(targets []string, stores []objproxy.ObjectStore) *replicated {
	return &replicated{
		targets: targets,
		stores:  stores,
	}
}

// Runs f on all stores concurrently and aggregates all failures.
func (r *replicated) all(f func(objproxy.ObjectStore) error) error {
	var g errgroup.Group
	errs := make([]error, len(r.stores))

	for i := range r.stores {
		i := i
		g.Go(func() error {
			if err := f(r.stores[i]); err != nil {
				errs[i] = errors.Wrapf(err, "target %s", r.targets[i])
			}

			return nil
		})
	}
	g.Wait()

	var result error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result
}

// Runs f on stores one by one until it succeeds.
func (r *replicated) first(f func(objproxy.ObjectStore) error) error {
	var result error

	for i, s := range r.stores {
		err := f(s)
		if err == nil {
			return nil
		}

		if !errors.Is(err, objproxy.ErrNotFound) {
			log.Debug().Err(err).Str("target", r.targets[i]).Msg("Replica failed, trying next one.")
		}

		result = multierror.Append(result, errors.Wrapf(err, "target %s", r.targets[i]))
	}

	return result
}

func (r *replicated) Upload(key int64, buf []byte) error {
	return r.all(func(s objproxy.ObjectStore) error {
		return s.Upload(key, buf)
	})
}

func (r *replicated) DownloadAt(key int64, buf []byte, offset int64) error {
	return r.first(func(s objproxy.ObjectStore) error {
		return s.DownloadAt(key, buf, offset)
	})
}

func (r *replicated) GetObjectSize(key int64) (size int64, err error) {
	err = r.first(func(s objproxy.ObjectStore) error {
		var err error
		size, err = s.GetObjectSize(key)
		return err
	})

	return
}

func (r *replicated) DeleteKeyAndSuccessors(key int64) error {
	return r.all(func(s objproxy.ObjectStore) error {
		return s.DeleteKeyAndSuccessors(key)
	})
}

func (r *replicated) PutNamed(name string, buf []byte) error {
	return r.all(func(s objproxy.ObjectStore) error {
		return s.PutNamed(name, buf)
	})
}

func (r *replicated) GetNamed(name string) (buf []byte, err error) {
	err = r.first(func(s objproxy.ObjectStore) error {
		var err error
		buf, err = s.GetNamed(name)
		return err
	})

	return
}
