// Package rfc9211 builds Cache-Status response header values (RFC 9211).
package rfc9211

import (
	"fmt"
	"strings"
)

// CacheName identifies this cache in the header's list of caches.
const CacheName = "Offline-Cache"

const HeaderName = "Cache-Status"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache contained a response that matched the request
	// URI, but it could not select a response based upon this request's
	// header fields and stored Vary header fields.
	FwdReasonVaryMiss FwdReason = "vary-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request (to be used when an implementation cannot
	// distinguish between uri-miss and vary-miss).
	FwdReasonMiss FwdReason = "miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics (e.g., Cache-Control request
	// directives) did not allow its use.
	FwdReasonRequest FwdReason = "request"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Stored is set when the forwarded response was written to a store.
	Stored bool
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) IsHit() bool {
	return cs.Status == StatusHit
}

// String renders the header value, e.g. `Offline-Cache; hit; detail=offline-page`.
func (cs CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(CacheName)
	switch cs.Status {
	case StatusHit:
		b.WriteString("; hit")
	case StatusFwd:
		if cs.FwdReason != "" {
			fmt.Fprintf(&b, "; fwd=%s", cs.FwdReason)
		} else {
			fmt.Fprintf(&b, "; fwd=%s", FwdReasonMiss)
		}
	}
	if cs.Stored {
		b.WriteString("; stored")
	}
	if cs.Detail != "" {
		b.WriteString("; detail=" + cs.Detail)
	}
	return b.String()
}
