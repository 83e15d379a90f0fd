package internal

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

const (
	// the longest a consumer waits before popping again after a backend failure
	MaxConsumeBackoff = 30 * time.Second
)

// CalculateBackoff calculates how long a consumer backs off after consecutive backend failures
// the exponent is borrowed from Sidekiq's retry formula, scaled down to milliseconds and capped
func CalculateBackoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}

	// past this point the formula exceeds the cap, and large counts would overflow
	if failures > 8 {
		return MaxConsumeBackoff
	}

	p := int(math.Round(math.Pow(float64(failures), 4)))
	d := time.Duration(p*100+RandInt(100)*failures) * time.Millisecond
	if d > MaxConsumeBackoff {
		d = MaxConsumeBackoff
	}

	return d
}

// RandInt returns a random integer up to max
func RandInt(max int) int {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return r.Intn(max)
}

// StripNonAlphanum strips nonalphanumeric characters from a string and returns a new one
func StripNonAlphanum(s string) string {
	var result strings.Builder
	for i := 0; i < len(s); i++ {
		b := s[i]
		if (b == '_') ||
			('a' <= b && b <= 'z') ||
			('A' <= b && b <= 'Z') ||
			('0' <= b && b <= '9') {
			result.WriteByte(b)
		}
	}
	return result.String()
}

// ChannelName turns an arbitrary queue name into an identifier safe to use as a notification channel
//
// Queue names that differ only in stripped characters share a channel. Listeners treat notifications as hints and
// always re-check their own queue, so sharing a channel costs an extra query, never a lost message.
func ChannelName(prefix, queue string) string {
	return strings.ToLower(prefix + StripNonAlphanum(queue))
}
