// Copyright 2016 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package xlog is the single structured-logging seam for the indexer: a
// handler chosen by environment (JSON for production, a terminal handler
// for local runs), and component-scoped loggers built with
// .With("component", ...).
//
// Every component emits typed events (epoch.started, epoch.committed,
// epoch.failed, locator.cache_hit, ...) as key-value attributes, never as
// formatted message strings.
package xlog

import (
	"log/slog"
	"os"
)

// New builds the root logger. json selects the JSON handler (used in any
// non-interactive deployment); when false a human-readable text handler is
// used, intended for local development.
func New(json bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h)
}

// Component returns a logger scoped to a named component (e.g. "pipeline",
// "locator", "harvest") so log lines can be filtered per subsystem.
func Component(l *slog.Logger, name string) *slog.Logger {
	return l.With("component", name)
}

// Event-name constants. Components emit these as typed fields rather than
// free-form messages, so log lines stay greppable and stable across wording
// changes.
const (
	EventEpochStarted     = "epoch.started"
	EventEpochSkipped     = "epoch.skipped"
	EventEpochCommitted   = "epoch.committed"
	EventEpochFailed      = "epoch.failed"
	EventEpochCircuitOpen = "epoch.circuit_open"
	EventLocatorCacheHit  = "locator.cache_hit"
	EventLocatorCacheMiss = "locator.cache_miss"
	EventLockAcquired     = "lock.acquired"
	EventLockDenied       = "lock.denied"
	EventLockReleased     = "lock.released"
	EventLockExtended     = "lock.extended"
	EventHarvestWindow    = "harvest.window"
	EventSchedulerRestart = "scheduler.restart"
)
