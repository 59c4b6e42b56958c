// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation keeps the server-side transcript of every active
// conversation in memory and reconciles it with the history clients send.
package conversation

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/SC2EditorAI/services/llm"
)

// ErrNotFound is returned when a conversation id is unknown.
var ErrNotFound = errors.New("conversation not found")

// Entry is one stored message. The store stamps every entry it records;
// entries rebuilt from client history carry the time of reconciliation.
type Entry struct {
	Role      llm.Role  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is the role/content view used for reconciliation.
type Message = llm.Message

// Store is a concurrency-safe map from conversation id to its entries.
//
// # Description
//
// Entries are only ever appended or replaced wholesale by reconciliation.
// Every read returns a copy, so callers never observe a later mutation.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	conversations map[string][]Entry
	now           func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{conversations: make(map[string][]Entry), now: time.Now}
}

// NewStoreWithClock creates a store that stamps entries with now.
func NewStoreWithClock(now func() time.Time) *Store {
	s := NewStore()
	s.now = now
	return s
}

// Append adds entry to the end of the conversation, creating it if needed.
// A zero Timestamp is replaced with the store's current time.
func (s *Store) Append(id string, entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	s.mu.Lock()
	s.conversations[id] = append(s.conversations[id], entry)
	s.mu.Unlock()
}

// Sync reconciles the conversation with history and then appends next.
//
// # Description
//
// Reconciliation compares lengths only: when the stored entry count differs
// from len(history) (including when the conversation does not exist), the
// stored entries are replaced by history with fresh timestamps. Contents are
// not compared. The check and the append happen under one lock.
//
// # Inputs
//
//   - id: Conversation id.
//   - history: The transcript the client believes precedes next.
//   - next: The entry to append after reconciliation.
//
// # Outputs
//
//   - bool: True when an existing conversation's entries were replaced.
func (s *Store) Sync(id string, history []Message, next Entry) bool {
	now := s.now()
	if next.Timestamp.IsZero() {
		next.Timestamp = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.conversations[id]
	resynced := !exists || len(stored) != len(history)
	if resynced {
		stored = make([]Entry, 0, len(history)+1)
		for _, m := range history {
			stored = append(stored, Entry{Role: m.Role, Content: m.Content, Timestamp: now})
		}
	}
	s.conversations[id] = append(stored, next)
	return resynced && exists
}

// Get returns a copy of the conversation's entries.
func (s *Store) Get(id string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Entry(nil), entries...), nil
}

// Delete removes the conversation.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	return nil
}

// DeleteIf removes the conversation when pred returns true for its entries.
// The predicate runs under the store's write lock and must not call back
// into the store.
func (s *Store) DeleteIf(id string, pred func([]Entry) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.conversations[id]
	if !ok || !pred(entries) {
		return false
	}
	delete(s.conversations, id)
	return true
}

// IDs lists conversation ids in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len is the number of stored conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// TrimCurrentMessage drops the last history entry when its content equals
// message. Clients sometimes include the prompt being submitted in the
// history they send alongside it.
func TrimCurrentMessage(history []Message, message string) []Message {
	if n := len(history); n > 0 && history[n-1].Content == message {
		return history[:n-1]
	}
	return history
}
