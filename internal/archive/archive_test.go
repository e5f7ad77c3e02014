package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/storage/memory"
)

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

func sampleReport() crawl.Report {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return crawl.Report{
		Session: crawl.Session{ID: "s1", CrawlingType: crawl.CrawlingInitial, Status: crawl.StatusCompleted, CreatedAt: at},
		Steps: []crawl.StepProgress{
			{SessionID: "s1", StepNumber: 1, Status: crawl.StepCompleted, CurrentProgress: 100},
			{SessionID: "s1", StepNumber: 4, Status: crawl.StepCompleted, CurrentProgress: 100},
		},
		Status:     crawl.CanonicalStatus{SessionID: "s1", Status: crawl.StatusCompleted, OverallProgress: 100},
		ArchivedAt: at,
	}
}

func TestArchiveWritesReport(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	core, logs := observer.New(zap.InfoLevel)
	archiver, err := New(blobs, "/reports/", zap.New(core))
	require.NoError(t, err)

	require.NoError(t, archiver.Archive(context.Background(), sampleReport()))

	data, contentType, ok := blobs.Object("reports/sessions/s1/report.json")
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)

	var got crawl.Report
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "s1", got.Session.ID)
	require.Len(t, got.Steps, 2)
	require.Equal(t, 100, got.Status.OverallProgress)

	entries := logs.FilterMessage("crawl report archived").All()
	require.Len(t, entries, 1)
	require.Equal(t, "memory://reports/sessions/s1/report.json", entries[0].ContextMap()["uri"])
	require.Len(t, entries[0].ContextMap()["sha256"], 64)
}

func TestArchiveWithoutPrefix(t *testing.T) {
	t.Parallel()

	archiver, err := New(memory.NewBlobStore(), "", nil)
	require.NoError(t, err)
	require.Equal(t, "sessions/abc/report.json", archiver.ReportPath("abc"))
}

func TestArchiveErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "", nil)
	require.Error(t, err)

	archiver, err := New(failingStore{}, "", nil)
	require.NoError(t, err)
	err = archiver.Archive(context.Background(), sampleReport())
	require.ErrorContains(t, err, "bucket unavailable")

	err = archiver.Archive(context.Background(), crawl.Report{})
	require.Error(t, err)
}
