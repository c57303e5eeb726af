package ratelimit

import (
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/Sternrassler/apifetch/pkg/session"
)

// Pacer is an interceptor that spaces requests to a steady rate.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer allows rps requests per second with the given burst. A burst
// below one is raised to one.
func NewPacer(rps float64, burst int) *Pacer {
	if burst < 1 {
		burst = 1
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Intercept implements session.Interceptor.
func (p *Pacer) Intercept(req *http.Request, next session.RoundTripFunc) (*http.Response, error) {
	if err := p.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("pace request: %w", err)
	}
	return next(req)
}
