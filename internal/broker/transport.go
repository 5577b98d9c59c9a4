package broker

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ronsonol82-hash/AiTrade/pkg/logging"
)

// retryableHTTPStatus is the status set spec.md §4.4 names as retryable.
var retryableHTTPStatus = map[int]bool{
	408: true, 425: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

var rateLimitMessageFragments = []string{"too many", "rate", "frequency", "busy"}

// looksRateLimited matches an API error body against the message patterns
// spec.md §4.4 calls out, independent of HTTP status.
func looksRateLimited(msg string) bool {
	m := strings.ToLower(msg)
	for _, frag := range rateLimitMessageFragments {
		if strings.Contains(m, frag) {
			return true
		}
	}
	return false
}

// newTransport builds a go-retryablehttp client whose CheckRetry/Backoff
// hooks implement spec.md §7's transport-error taxonomy: retry on the
// named HTTP statuses and on network errors, exponential backoff with full
// jitter capped at backoffCap, honoring Retry-After when the venue sets it.
// Grounded on bitget_client.py's hand-rolled _calc_backoff_s/_request retry
// loop, generalized into the shared hook points go-retryablehttp exposes.
func newTransport(maxRetries int, backoffBase, backoffCap time.Duration, logger *logging.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = maxRetries
	c.RetryWaitMin = backoffBase
	c.RetryWaitMax = backoffCap
	c.Logger = nil // the engine's own structured logger replaces retryablehttp's default logging
	c.HTTPClient.Timeout = 10 * time.Second

	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil // network/transport error: always retryable
		}
		if resp == nil {
			return false, nil
		}
		return retryableHTTPStatus[resp.StatusCode], nil
	}

	c.Backoff = func(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
		if resp != nil {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.Atoi(ra); perr == nil {
					d := time.Duration(secs) * time.Second
					if d > max {
						d = max
					}
					return d
				}
			}
		}
		exp := float64(min) * math.Pow(2, float64(attempt))
		if exp > float64(max) {
			exp = float64(max)
		}
		jitter := rand.Float64()
		d := time.Duration(exp * jitter)
		if d > max {
			d = max
		}
		return d
	}

	c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 && logger != nil {
			logger.Debug("broker http retry", "method", req.Method, "url", req.URL.Path, "attempt", attempt)
		}
	}

	return c
}
