/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package aeronet is an embeddable HTTP/1.x server engine: one bound
// listening socket driven by a single-threaded epoll readiness loop,
// an incremental request-line/header/body parser, a router with
// literal/parameter/wildcard matching, and optional negotiated
// content-coding and TLS termination. Horizontal scale comes from
// running several independent engines on the same port with
// SO_REUSEPORT, never from multithreading one engine (§5).
package aeronet
