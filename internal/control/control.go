// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package control exposes state of a block backend over HTTP.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/faithanalog/crucible/internal/blockio"
)

// Time given to in-flight requests when the server stops.
const shutdownTimeout = 5 * time.Second

// Info is the reply of GET /info.
type Info struct {
	UUID      string             `json:"uuid"`
	Active    bool               `json:"active"`
	TotalSize uint64             `json:"total_size"`
	BlockSize uint64             `json:"block_size"`
	Work      blockio.WorkCounts `json:"work"`
}

type handler struct {
	bio blockio.BlockIO
}

// Handler returns http handler serving GET /info and POST /flush for bio.
func Handler(bio blockio.BlockIO) http.Handler {
	h := handler{bio: bio}

	mux := http.NewServeMux()
	mux.HandleFunc("/info", h.info)
	mux.HandleFunc("/flush", h.flush)

	return mux
}

// Collect returns the current state of bio.
func Collect(bio blockio.BlockIO) (Info, error) {
	var info Info

	id, err := bio.UUID()
	if err != nil {
		return info, err
	}
	info.UUID = id.String()

	if info.Active, err = bio.QueryIsActive(); err != nil {
		return info, err
	}

	if info.TotalSize, err = bio.TotalSize(); err != nil {
		return info, err
	}

	if info.BlockSize, err = bio.BlockSize(); err != nil {
		return info, err
	}

	if info.Work, err = bio.ShowWork(); err != nil {
		return info, err
	}

	return info, nil
}

func (h handler) info(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info, err := Collect(h.bio)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		log.Debug().Err(err).Msg("Info reply failed.")
	}
}

func (h handler) flush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var snapshot *blockio.SnapshotDetails
	if name := r.URL.Query().Get("snapshot"); name != "" {
		snapshot = &blockio.SnapshotDetails{SnapshotName: name}
	}

	waiter, err := h.bio.Flush(snapshot)
	if err == nil {
		err = waiter.Wait()
	}

	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, blockio.ErrUpstairsInactive) {
			status = http.StatusServiceUnavailable
		}

		http.Error(w, err.Error(), status)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, bio blockio.BlockIO) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	return ServeListener(ctx, l, bio)
}

// ServeListener serves on l until ctx is done.
func ServeListener(ctx context.Context, l net.Listener, bio blockio.BlockIO) error {
	srv := &http.Server{Handler: Handler(bio)}

	done := make(chan struct{})
	go func() {
		defer close(done)

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("address", l.Addr().String()).Msg("Control endpoint started.")

	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}

	return err
}
