// Package retry provides exponential backoff with jitter.
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s (request/response operations)
//   - Quick(): 10 attempts, 50ms-1s (startup)
//   - Reconnect(): unbounded, 200ms-5s (TCP sources that redial until their pipeline is disposed)
//
// Wrap an error with NonRetryable to stop immediately:
//
//	err := retry.Do(ctx, retry.Reconnect(), func() error {
//	    conn, err := dialer.DialContext(ctx, "tcp", addr)
//	    if errors.IsInvalid(err) {
//	        return retry.NonRetryable(err)
//	    }
//	    ...
//	})
package retry
