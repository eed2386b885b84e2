// Package ratelimit admits or rejects requests using fixed counting windows.
//
// A Limiter counts admissions per key inside a window of fixed length. Once a
// key reaches the limit, further admissions in the same window are rejected
// until the window ends, at which point counting starts over. Bursts that
// straddle a window boundary may briefly exceed the nominal rate.
//
// Two implementations are provided:
//   - NewMemory: a single-process table that is dropped wholesale when the
//     window ends. The reset timer is started lazily by the first admission
//     of an idle period and at most one timer is ever pending.
//   - redislimiter: windows shared by every process through Redis keys that
//     expire after one window.
//
// NewMiddleware wraps an http.Handler, exempting documentation paths and
// rendering rejections as 429 responses with a Retry-After header.
package ratelimit
