// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl evicts idle conversations from the in-memory store on a fixed
// period.
package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/SC2EditorAI/services/orchestrator/conversation"
)

// =============================================================================
// Interfaces
// =============================================================================

// ConversationStore is the subset of conversation.Store the sweeper needs.
type ConversationStore interface {
	IDs() []string
	DeleteIf(id string, pred func([]conversation.Entry) bool) bool
	Len() int
}

// SweepObserver is notified after every sweep. Implemented by the metrics layer.
type SweepObserver interface {
	ObserveSweep(evicted, remaining int, duration time.Duration)
}

// Sweeper runs periodic eviction in the background.
type Sweeper interface {
	// Start launches the background loop. It returns an error if the
	// sweeper is already running.
	Start(ctx context.Context) error
	// Stop signals the loop to exit. Safe to call multiple times.
	Stop()
	// RunNow performs one sweep synchronously.
	RunNow(ctx context.Context) SweepResult
}

// =============================================================================
// Configuration
// =============================================================================

// SweeperConfig holds the eviction settings.
//
// # Fields
//
//   - Period: How often a sweep runs. Default: 60 seconds.
//   - Timeout: Idle time after which a conversation is evicted. Default: 60 minutes.
type SweeperConfig struct {
	Period  time.Duration
	Timeout time.Duration
}

// DefaultSweeperConfig returns the production defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Period:  60 * time.Second,
		Timeout: 60 * time.Minute,
	}
}

// SweepResult summarises one sweep.
type SweepResult struct {
	StartTime time.Time
	EndTime   time.Time
	Scanned   int
	Evicted   int
	// Untimestamped counts evictions caused by a missing last timestamp.
	Untimestamped int
}

// Duration is how long the sweep took.
func (r SweepResult) Duration() time.Duration { return r.EndTime.Sub(r.StartTime) }

// =============================================================================
// Implementation
// =============================================================================

// sweeper implements Sweeper with the ticker + done channel pattern.
//
// # Thread Safety
//
// All public methods are thread-safe. The mutex guards the running flag and
// done channel only; sweeps themselves rely on the store's own locking.
type sweeper struct {
	store    ConversationStore
	observer SweepObserver
	config   SweeperConfig
	now      func() time.Time

	done    chan struct{}
	stopped chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSweeper creates a sweeper over store. observer may be nil.
//
// # Examples
//
//	sw := ttl.NewSweeper(store, metrics, ttl.DefaultSweeperConfig())
//	if err := sw.Start(ctx); err != nil {
//	    return err
//	}
//	defer sw.Stop()
func NewSweeper(store ConversationStore, observer SweepObserver, config SweeperConfig) Sweeper {
	return newSweeper(store, observer, config, time.Now)
}

func newSweeper(store ConversationStore, observer SweepObserver, config SweeperConfig, now func() time.Time) *sweeper {
	if config.Period <= 0 {
		config.Period = DefaultSweeperConfig().Period
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultSweeperConfig().Timeout
	}
	return &sweeper{
		store:    store,
		observer: observer,
		config:   config,
		now:      now,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (s *sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	done, stopped := s.done, s.stopped
	s.mu.Unlock()

	slog.Info("Conversation sweeper starting",
		"period", s.config.Period.String(),
		"timeout", s.config.Timeout.String(),
	)
	go s.runLoop(ctx, done, stopped)
	return nil
}

// Stop signals the loop and waits for the in-progress sweep to finish.
func (s *sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	slog.Info("Conversation sweeper stopping")
	close(s.done)
	s.running = false
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
}

func (s *sweeper) RunNow(ctx context.Context) SweepResult {
	return s.sweep(ctx)
}

func (s *sweeper) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.config.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Conversation sweeper stopped (context cancelled)")
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-done:
			slog.Info("Conversation sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep evicts every conversation that is empty, has no timestamp on its
// last entry, or whose last entry is older than the timeout. A failure on
// one conversation never aborts the sweep.
func (s *sweeper) sweep(ctx context.Context) SweepResult {
	result := SweepResult{StartTime: s.now()}
	cutoff := result.StartTime.Add(-s.config.Timeout)

	for _, id := range s.store.IDs() {
		if ctx.Err() != nil {
			break
		}
		result.Scanned++
		var untimestamped bool
		evicted := s.evict(id, func(entries []conversation.Entry) bool {
			if len(entries) == 0 {
				return true
			}
			last := entries[len(entries)-1].Timestamp
			if last.IsZero() {
				untimestamped = true
				return true
			}
			return last.Before(cutoff)
		})
		if !evicted {
			continue
		}
		result.Evicted++
		if untimestamped {
			result.Untimestamped++
			slog.Warn("Evicted conversation without a last timestamp", "conversation_id", id)
		}
	}
	result.EndTime = s.now()

	remaining := s.store.Len()
	if result.Evicted > 0 {
		slog.Info("Conversation sweep completed",
			"scanned", result.Scanned,
			"evicted", result.Evicted,
			"untimestamped", result.Untimestamped,
			"remaining", remaining,
			"duration_ms", result.Duration().Milliseconds(),
		)
	} else {
		slog.Debug("Conversation sweep completed (nothing to evict)", "scanned", result.Scanned)
	}
	if s.observer != nil {
		s.observer.ObserveSweep(result.Evicted, remaining, result.Duration())
	}
	return result
}

// evict wraps DeleteIf so that a panicking store cannot take the loop down.
func (s *sweeper) evict(id string, pred func([]conversation.Entry) bool) (evicted bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Conversation eviction failed", "conversation_id", id, "panic", r)
			evicted = false
		}
	}()
	return s.store.DeleteIf(id, pred)
}
