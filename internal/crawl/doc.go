// Package crawl defines the taxonomy and core types shared across the
// supervisor: session statuses, the four crawl steps, webhook types, and the
// collaborator interfaces used by storage and reconciliation.
package crawl
