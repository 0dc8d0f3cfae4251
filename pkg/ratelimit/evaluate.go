// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"math"
	"time"
)

// windowState is the persisted state of a sliding or fixed window bucket.
// All times are Unix milliseconds.
type windowState struct {
	WindowStart int64
	Current     int64
	Previous    int64
	LastSeen    int64
}

// take rolls the window forward to nowMs, evaluates one request and, if it
// is allowed, counts it. It returns the decision and the effective time.
func (s *windowState) take(p *Policy, nowMs int64) (bool, int64) {
	// A replica with a slower clock must not rewind the bucket.
	if nowMs < s.LastSeen {
		nowMs = s.LastSeen
	}
	w := p.windowMillis()
	start := nowMs - nowMs%w

	switch s.WindowStart {
	case start:
	case start - w:
		s.Previous, s.Current = s.Current, 0
	default:
		s.Previous, s.Current = 0, 0
	}
	s.WindowStart = start
	s.LastSeen = nowMs

	if admits(p, s.Previous, s.Current, nowMs-start) {
		s.Current++
		return true, nowMs
	}
	return false, nowMs
}

// admits reports whether one more request fits:
//
//	prev*(1-elapsed/w) + cur + 1 <= limit+burst
//
// evaluated in integer milliseconds to keep the boundary exact.
func admits(p *Policy, prev, cur, elapsed int64) bool {
	w := p.windowMillis()
	weighted := int64(0)
	if p.EffectiveAlgorithm() == AlgorithmSlidingWindow {
		weighted = prev * (w - elapsed)
	}
	return weighted+(cur+1)*w <= p.Capacity()*w
}

// tokenState is the persisted state of a token bucket.
type tokenState struct {
	Tokens     float64
	LastRefill int64
	LastSeen   int64
}

// take refills the bucket up to nowMs and spends one token if available.
// A zero state is a full bucket.
func (s *tokenState) take(p *Policy, nowMs int64) (bool, int64) {
	if nowMs < s.LastSeen {
		nowMs = s.LastSeen
	}
	capacity := float64(p.Capacity())
	if s.LastSeen == 0 {
		s.Tokens = capacity
	} else {
		s.Tokens = math.Min(capacity, s.Tokens+float64(nowMs-s.LastRefill)*tokenRate(p))
	}
	s.LastRefill = nowMs
	s.LastSeen = nowMs

	if s.Tokens >= 1 {
		s.Tokens--
		return true, nowMs
	}
	return false, nowMs
}

// tokenRate is the refill rate in tokens per millisecond.
func tokenRate(p *Policy) float64 {
	return float64(p.Limit) / float64(p.windowMillis())
}

// summarize turns a store's bucket report into a Result.
func summarize(p *Policy, b *Bucket) *Result {
	r := &Result{
		Allowed: b.Allowed,
		Limit:   p.Capacity(),
		Policy:  p,
		Bucket:  b,
	}
	nowMs := b.Now.UnixMilli()

	if p.EffectiveAlgorithm() == AlgorithmTokenBucket {
		rate := tokenRate(p)
		r.Remaining = int64(math.Floor(b.Tokens))
		r.ResetAt = time.UnixMilli(nowMs + int64(math.Ceil((float64(p.Capacity())-b.Tokens)/rate)))
		if !b.Allowed {
			wait := int64(math.Ceil((1 - b.Tokens) / rate))
			r.RetryAfter = durationPtr(time.Duration(max(wait, 1)) * time.Millisecond)
		}
		return clampRemaining(r)
	}

	w := p.windowMillis()
	start := b.WindowStart.UnixMilli()
	elapsed := nowMs - start
	weighted := int64(0)
	if p.EffectiveAlgorithm() == AlgorithmSlidingWindow {
		weighted = b.Previous * (w - elapsed)
	}
	r.Remaining = (p.Capacity()*w - weighted - b.Current*w) / w
	r.ResetAt = time.UnixMilli(start + w)

	if !b.Allowed {
		wait := retryAt(p, b.Previous, b.Current, start) - nowMs
		// Never earlier than the end of the current window.
		wait = max(wait, start+w-nowMs, 1)
		r.RetryAfter = durationPtr(time.Duration(wait) * time.Millisecond)
	}
	return clampRemaining(r)
}

// retryAt returns the earliest time in Unix milliseconds at which one more
// request would be admitted, assuming no further admissions.
func retryAt(p *Policy, prev, cur, start int64) int64 {
	w := p.windowMillis()
	capacity := p.Capacity()

	if p.EffectiveAlgorithm() == AlgorithmFixedWindow {
		return start + w
	}

	if cur+1 <= capacity {
		if prev == 0 {
			return start
		}
		// prev*(w-e) <= (capacity-cur-1)*w
		return start + w - ((capacity-cur-1)*w)/prev
	}

	// In the next window cur becomes the weighted previous count:
	// cur*(w-e) + w <= capacity*w
	return start + w + w - ((capacity-1)*w)/cur
}

func clampRemaining(r *Result) *Result {
	if r.Remaining < 0 {
		r.Remaining = 0
	}
	return r
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}
