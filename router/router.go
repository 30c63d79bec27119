/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package router implements the segment-aware prefix tree described in
// §4.8: literal, named-parameter and wildcard children, per-method
// handler slots, trailing-slash policy and 405 Allow synthesis. It
// replaces badu-http/mux's flat map[string]muxEntry — a longest-prefix
// string matcher with no parameter/wildcard capture at all — with a
// real tree, but keeps that package's registration-time panic-on-
// conflict style and its "most specific wins" spirit.
package router

import "strings"

// TrailingSlashPolicy controls how a near-miss differing only by a
// trailing slash is resolved (§4.8).
type TrailingSlashPolicy int

const (
	Strict TrailingSlashPolicy = iota
	Normalize
	Redirect
)

// HandlerKind distinguishes the two handler shapes a route may carry;
// mixing both for the same (path, method) is a registration error
// (§4.8, §9).
type HandlerKind int

const (
	Buffered HandlerKind = iota
	Streaming
)

// Slot is whatever the caller registered for one (path, method): a
// buffered handler or a streaming one, tagged by Kind so the pipeline
// knows which calling convention to use without a type switch on the
// stored value.
type Slot struct {
	Kind    HandlerKind
	Handler interface{}
}

type node struct {
	segment   string // literal this node matches; param/wildcard nodes keep the raw pattern segment
	literals  []*node
	param     *node // captures exactly one segment
	paramName string
	wildcard  *node // captures the remainder
	wildName  string
	methods   map[string]Slot
}

func newNode(segment string) *node {
	return &node{segment: segment, methods: map[string]Slot{}}
}

// Router is a per-engine, immutable-after-Build radix tree. Mutating
// routes after the server starts is a programming error (§5).
type Router struct {
	root   *node
	policy TrailingSlashPolicy
}

// New creates an empty router with the given trailing-slash policy.
func New(policy TrailingSlashPolicy) *Router {
	return &Router{root: newNode(""), policy: policy}
}

func splitSegments(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Register adds handler for method at path. It panics if a handler of
// the other Kind is already registered for the same (path, method) —
// mixing buffered and streaming handlers on one route is rejected at
// registration time, not at request time (§4.8, §9).
func (r *Router) Register(method, path string, slot Slot) {
	n := r.root
	for _, seg := range splitSegments(path) {
		switch {
		case seg == "*" || strings.HasPrefix(seg, "*"):
			name := strings.TrimPrefix(seg, "*")
			if n.wildcard == nil {
				n.wildcard = newNode(seg)
				n.wildName = name
			}
			n = n.wildcard
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			name := seg[1 : len(seg)-1]
			if n.param == nil {
				n.param = newNode(seg)
				n.paramName = name
			}
			n = n.param
		default:
			n = n.literalChild(seg, true)
		}
	}
	if existing, ok := n.methods[method]; ok && existing.Kind != slot.Kind {
		panic("router: path " + path + " method " + method + " already registered with a different handler kind")
	}
	n.methods[method] = slot
}

func (n *node) literalChild(seg string, create bool) *node {
	for _, c := range n.literals {
		if c.segment == seg {
			return c
		}
	}
	if !create {
		return nil
	}
	c := newNode(seg)
	n.literals = append(n.literals, c)
	return c
}

// Params captures named-parameter values from a successful Match.
type Params struct {
	names  []string
	values []string
}

// Get returns the value captured for name, if any.
func (p *Params) Get(name string) (string, bool) {
	for i, n := range p.names {
		if n == name {
			return p.values[i], true
		}
	}
	return "", false
}

func (p *Params) add(name, value string) {
	p.names = append(p.names, name)
	p.values = append(p.values, value)
}

// Match result.
type Match struct {
	Slot      Slot
	Found     bool
	Params    Params
	Redirect  string // non-empty ⇒ caller must emit a 301 to this path
	Methods   []string
}

// Match looks up method+path. Precedence at every node is literal >
// parameter > wildcard (§4.8, tested invariant in §8).
func (r *Router) Match(method, path string) Match {
	segs := splitSegments(path)
	n, params, ok := r.root.find(segs)
	if ok {
		if slot, has := n.methods[method]; has {
			return Match{Slot: slot, Found: true, Params: params}
		}
		if len(n.methods) > 0 {
			return Match{Found: false, Methods: allowedMethods(n)}
		}
	}

	// Trailing-slash handling: retry with slash added/removed.
	if len(segs) > 0 && path != "/" {
		var altSegs []string
		var altPath string
		if strings.HasSuffix(path, "/") {
			altPath = strings.TrimSuffix(path, "/")
			altSegs = segs[:len(segs)-1]
		} else {
			altPath = path + "/"
			altSegs = append(append([]string{}, segs...), "")
		}
		if altNode, ok := r.root.find(altSegs); ok {
			if _, has := altNode.methods[method]; has || len(altNode.methods) > 0 {
				switch r.policy {
				case Redirect:
					return Match{Found: false, Redirect: altPath}
				case Normalize:
					if slot, has := altNode.methods[method]; has {
						return Match{Slot: slot, Found: true}
					}
					return Match{Found: false, Methods: allowedMethods(altNode)}
				}
			}
		}
	}

	return Match{Found: false}
}

func (n *node) find(segs []string) (*node, Params, bool) {
	if len(segs) == 0 {
		return n, Params{}, true
	}
	head, rest := segs[0], segs[1:]

	if c := n.literalChild(head, false); c != nil {
		if found, params, ok := c.find(rest); ok {
			return found, params, true
		}
	}
	if n.param != nil {
		if found, params, ok := n.param.find(rest); ok {
			params.add(n.paramName, head)
			return found, params, true
		}
	}
	if n.wildcard != nil {
		remainder := strings.Join(segs, "/")
		var params Params
		if n.wildName != "" {
			params.add(n.wildName, remainder)
		}
		return n.wildcard, params, true
	}
	return nil, Params{}, false
}

// AllowedMethods returns the union of methods registered for path's
// literal match, used for the Allow header on 405 and for OPTIONS *
// (§4.8).
func (r *Router) AllowedMethods(path string) []string {
	n, _, ok := r.root.find(splitSegments(path))
	if !ok {
		return nil
	}
	return allowedMethods(n)
}

func allowedMethods(n *node) []string {
	out := make([]string, 0, len(n.methods))
	for m := range n.methods {
		out = append(out, m)
	}
	return out
}

// AllMethods returns the union of every method registered anywhere in
// the tree, used for "OPTIONS *" (§4.8).
func (r *Router) AllMethods() []string {
	set := map[string]bool{}
	r.root.collectMethods(set)
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}

func (n *node) collectMethods(set map[string]bool) {
	for m := range n.methods {
		set[m] = true
	}
	for _, c := range n.literals {
		c.collectMethods(set)
	}
	if n.param != nil {
		n.param.collectMethods(set)
	}
	if n.wildcard != nil {
		n.wildcard.collectMethods(set)
	}
}
