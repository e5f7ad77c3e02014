// Package reconcile turns noisy crawler signals (webhooks and polled
// snapshots) into one consistent view of a crawl: which step is running, how
// far along it is, and when the session is done.
//
// The Classifier holds the ordered text rules used to read crawler log lines.
// The Engine applies webhooks and snapshots to the repository and returns the
// recomputed status; a Notifier pushes that status to subscribers. The
// Controller drives operator actions (start, pause, resume, stop, reset)
// against the external crawler.
package reconcile
