// Package archive writes the final report of a completed crawl session to a
// blob store before its progress rows are purged.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
)

const (
	reportName        = "report.json"
	reportContentType = "application/json"
)

// Archiver persists crawl.Report documents as JSON.
type Archiver struct {
	store  crawl.BlobStore
	prefix string
	logger *zap.Logger
}

// New wires an Archiver to a blob store. Reports are written to
// "<prefix>/sessions/<id>/report.json"; an empty prefix writes at the root.
func New(store crawl.BlobStore, prefix string, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}, nil
}

// ReportPath returns the object path used for sessionID.
func (a *Archiver) ReportPath(sessionID string) string {
	return path.Join(a.prefix, "sessions", sessionID, reportName)
}

// Archive implements reconcile.Archiver.
func (a *Archiver) Archive(ctx context.Context, report crawl.Report) error {
	if report.Session.ID == "" {
		return errors.New("report session id is required")
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	sum := sha256.Sum256(data)
	uri, err := a.store.PutObject(ctx, a.ReportPath(report.Session.ID), reportContentType, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("put report: %w", err)
	}
	a.logger.Info("crawl report archived",
		zap.String("session_id", report.Session.ID),
		zap.String("uri", uri),
		zap.String("sha256", hex.EncodeToString(sum[:])),
		zap.Int("steps", len(report.Steps)),
	)
	return nil
}
