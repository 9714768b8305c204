// Copyright 2024 The latencytrace Authors.
// SPDX-License-Identifier: Apache-2.0

// Package group implements SpanGroup identity: a stable, hashable key
// derived from a span's runtime callsite path and extracted properties.
package group

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/pvillela/latencytrace/internal/locking"
	"github.com/pvillela/latencytrace/spanapi"
)

// Key is the stable, hashable, fixed-length ASCII identity of a
// SpanGroup: the hex encoding of a SHA-256 digest of the group's
// canonical (path, props) encoding.
type Key string

// CallsitePath is a non-empty, ordered sequence of callsites from the
// outermost runtime ancestor to the span's own callsite.
type CallsitePath []spanapi.CallsiteID

// KV is an ordered key/value property, re-exported from spanapi so
// callers building a Grouper don't need to import both packages.
type KV = spanapi.KV

// Props is an ordered sequence of (key, value) pairs extracted from a
// span's attributes at creation time. Order is significant for the
// canonical encoding, matching the order the Grouper returned.
type Props []KV

func (p Props) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(kv.Key)
		b.WriteByte('=')
		b.WriteString(kv.Value)
	}
	b.WriteByte('}')
	return b.String()
}

// SpanGroup is the equivalence class of span instances sharing both
// callsite path and runtime-derived properties. Values are immutable
// once constructed; the forest they form is acyclic by construction
// since Path is always a strict prefix-extension of the parent's Path.
type SpanGroup struct {
	key    Key
	path   CallsitePath
	props  Props
	parent *SpanGroup
}

// Key returns the group's stable, hashable identity.
func (g *SpanGroup) Key() Key { return g.key }

// Path returns the group's callsite path, outermost ancestor first.
func (g *SpanGroup) Path() CallsitePath { return g.path }

// Props returns the group's properties.
func (g *SpanGroup) Props() Props { return g.props }

// Parent returns the SpanGroup computed for the parent span, or
// (nil, false) if this group is a root.
func (g *SpanGroup) Parent() (*SpanGroup, bool) {
	if g.parent == nil {
		return nil, false
	}
	return g.parent, true
}

func (g *SpanGroup) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, id := range g.path {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(strconv.FormatUint(uint64(id), 16))
	}
	b.WriteByte(']')
	if len(g.props) > 0 {
		b.WriteString(g.props.String())
	}
	return b.String()
}

func canonicalEncoding(path CallsitePath, props Props) []byte {
	buf := make([]byte, 0, 8*len(path)+16*len(props)+8)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(len(path)))
	buf = append(buf, tmp[:]...)
	for _, id := range path {
		binary.BigEndian.PutUint64(tmp[:], uint64(id))
		buf = append(buf, tmp[:]...)
	}
	binary.BigEndian.PutUint64(tmp[:], uint64(len(props)))
	buf = append(buf, tmp[:]...)
	for _, kv := range props {
		binary.BigEndian.PutUint64(tmp[:], uint64(len(kv.Key)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, kv.Key...)
		binary.BigEndian.PutUint64(tmp[:], uint64(len(kv.Value)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, kv.Value...)
	}
	return buf
}

func keyOf(enc []byte) Key {
	sum := sha256.Sum256(enc)
	return Key(hex.EncodeToString(sum[:]))
}

const shardCount = 32

type shard struct {
	mu locking.RWMutex
	m  map[Key]*SpanGroup
}

// Interner is the process-wide map of interned SpanGroups: consulted
// once per span creation, never on enter/exit/close, with wait-free
// repeat reads of an existing key in the common case. It is sharded by
// a fast, non-cryptographic hash (xxhash) of the group's canonical
// encoding purely to pick which of a small, fixed number of
// independently-locked buckets to consult; the SHA-256 digest above
// remains the group's one public, stable Key.
type Interner struct {
	shards [shardCount]*shard
}

// NewInterner returns an empty, ready-to-use Interner.
func NewInterner() *Interner {
	in := &Interner{}
	for i := range in.shards {
		in.shards[i] = &shard{m: make(map[Key]*SpanGroup)}
	}
	return in
}

func (in *Interner) shardFor(enc []byte) *shard {
	h := xxhash.Sum64(enc)
	return in.shards[h%shardCount]
}

// Resolve returns the SpanGroup for a span given a parent group (or
// nil for a root), the span's own callsite, and its Props: it returns
// the interned SpanGroup for (parent.Path++[callsite], props),
// constructing and publishing one if this is the first span to reach
// that identity.
func (in *Interner) Resolve(parent *SpanGroup, callsite spanapi.CallsiteID, props Props) *SpanGroup {
	var path CallsitePath
	if parent != nil {
		path = make(CallsitePath, len(parent.path)+1)
		copy(path, parent.path)
		path[len(parent.path)] = callsite
	} else {
		path = CallsitePath{callsite}
	}

	enc := canonicalEncoding(path, props)
	key := keyOf(enc)
	sh := in.shardFor(enc)

	sh.mu.RLock()
	if g, ok := sh.m[key]; ok {
		sh.mu.RUnlock()
		return g
	}
	sh.mu.RUnlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if g, ok := sh.m[key]; ok {
		return g
	}
	g := &SpanGroup{key: key, path: path, props: props, parent: parent}
	sh.m[key] = g
	return g
}

// Len returns the number of distinct SpanGroups interned so far.
// Exposed for tests; not used on any hot path.
func (in *Interner) Len() int {
	n := 0
	for _, sh := range in.shards {
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}
