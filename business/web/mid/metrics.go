package mid

import (
	"context"
	"expvar"
	"net/http"
	"runtime"

	"github.com/chainpaint/chainpaint/foundation/web"
)

// counters holds the expvar counters the middleware maintains. They are
// published under /debug/vars on the debug mux.
type counters struct {
	goroutines *expvar.Int
	requests   *expvar.Int
	errors     *expvar.Int
	panics     *expvar.Int
}

var metrics = counters{
	goroutines: expvar.NewInt("goroutines"),
	requests:   expvar.NewInt("requests"),
	errors:     expvar.NewInt("errors"),
	panics:     expvar.NewInt("panics"),
}

// AddPanics increments the panics counter.
func (c *counters) AddPanics(ctx context.Context) {
	c.panics.Add(1)
}

// Metrics updates program counters.
func Metrics() web.Middleware {

	// This is the actual middleware function to be executed.
	m := func(handler web.Handler) web.Handler {

		// Create the handler that will be attached in the middleware chain.
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {

			// Call the next handler.
			err := handler(ctx, w, r)

			// Increment the request counter and update the goroutine count
			// on an interval of requests.
			metrics.requests.Add(1)
			if metrics.requests.Value()%100 == 0 {
				metrics.goroutines.Set(int64(runtime.NumGoroutine()))
			}

			// Increment if there is an error flowing through the request.
			if err != nil {
				metrics.errors.Add(1)
			}

			// Return the error so it can be handled further up the chain.
			return err
		}

		return h
	}

	return m
}
