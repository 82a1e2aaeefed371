package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ProbeServerTime estimates the server's clock from the Date header of a
// lightweight HEAD request, compensating for half the round-trip latency.
// This is the primary, most accurate probe.
func (c *Client) ProbeServerTime(ctx context.Context) (time.Time, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base+"/rest/health", nil)
	if err != nil {
		return time.Time{}, 0, err
	}
	c.setAuth(ctx, req)

	start := time.Now()
	resp, err := c.httpc.Do(req)
	rtt := time.Since(start)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	server, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("probe response carried no usable Date header: %w", err)
	}
	// The Date header was stamped roughly mid-flight; shift it forward by
	// half the RTT to align with the moment the response arrived.
	return server.Add(rtt / 2), rtt, nil
}

// CoarseServerTime estimates the server clock from a minimal data read,
// taking the request midpoint as the instant the response was stamped.
// Coarser than ProbeServerTime; it only catches gross drift. Used when the
// HEAD probe is unavailable.
func (c *Client) CoarseServerTime(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/rest/attendance?limit=1", nil)
	if err != nil {
		return time.Time{}, err
	}
	c.setAuth(ctx, req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	server, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		return time.Time{}, fmt.Errorf("read response carried no usable Date header: %w", err)
	}
	return server, nil
}
