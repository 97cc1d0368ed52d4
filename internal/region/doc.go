// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package region implements the networked block backend. A region lives in
// object storage reachable via s3 protocol, replicated on every target of the
// session. Data are stored in a log-structured manner: each write is a new
// object and the extent map keeps the mapping between region blocks and the
// objects. Dead objects are collected in the background.
//
// The package defines two interfaces. One for the extent map and one for the
// storage backend operations. These two parts can be trivially changed just
// by implementing corresponding interface.
package region
