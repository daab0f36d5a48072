// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"sort"

	"github.com/bureau-foundation/backchannel/store"
)

// Merge combines two message sets into one, deduplicated and sorted
// by (createdAt, id). A canonical (non-pending) message supersedes a
// pending optimistic copy carrying the same client message ID, so an
// acknowledged send replaces its placeholder no matter which set
// either copy arrived in. Merge is idempotent: merging a set in twice
// changes nothing.
func Merge(existing, incoming []store.Message) []store.Message {
	byID := make(map[string]store.Message, len(existing)+len(incoming))
	byClientID := make(map[string]string, len(existing)+len(incoming))

	add := func(message store.Message) {
		if message.ClientMessageID != "" {
			if priorID, ok := byClientID[message.ClientMessageID]; ok && priorID != message.ID {
				prior := byID[priorID]
				if prior.Pending && !message.Pending {
					delete(byID, priorID)
				} else {
					// Keep the established copy; the duplicate is an
					// optimistic placeholder arriving late.
					return
				}
			}
			byClientID[message.ClientMessageID] = message.ID
		}
		if prior, ok := byID[message.ID]; ok && !prior.Pending {
			return
		}
		byID[message.ID] = message
	}
	for _, message := range existing {
		add(message)
	}
	for _, message := range incoming {
		add(message)
	}

	merged := make([]store.Message, 0, len(byID))
	for _, message := range byID {
		merged = append(merged, message)
	}
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.Before(merged[j].CreatedAt)
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
