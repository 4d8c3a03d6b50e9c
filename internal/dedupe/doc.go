// Package dedupe provides a time-bounded window of idempotency keys so a
// retried command delivery is recognised and not queued a second time.
package dedupe
