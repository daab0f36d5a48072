// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay is the HTTP client for the server-relayed fallback
// path. When no direct transport is attached (or a send fails with a
// not-connected error), the conversation channel falls back to these
// endpoints: opening a direct conversation, posting a message, paging
// history, and recording the preferred transport mode server-side.
//
// Errors from the relay API are surfaced as [*APIError] and extracted
// with errors.As.
package relay
