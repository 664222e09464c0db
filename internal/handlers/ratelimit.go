package handlers

import "golang.org/x/time/rate"

const (
	// defaultRateLimit is the number of input messages allowed per second
	// per client channel.
	defaultRateLimit = 200
	// defaultRateBurst lets short bursts (pastes) through before limiting.
	defaultRateBurst = 200
)

// newInputLimiter returns the limiter applied to one client channel's
// terminal_input and resize_terminal events.
func newInputLimiter(perSecond, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
