package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sitechat/backend/internal/ingestion"
	"github.com/sitechat/backend/internal/onboarding"
	"github.com/sitechat/backend/internal/storage/models"
	"github.com/sitechat/backend/pkg/logger"
)

const jobName = "discovery"

// Job crawls a tenant's website and ingests every discovered page. It holds
// the tenant's advisory job lease for the duration so concurrent discovery
// runs cannot duplicate work.
type Job struct {
	machine   *onboarding.StateMachine
	crawler   *Crawler
	processor *ingestion.Processor
	analytics *onboarding.Analytics
}

func NewJob(machine *onboarding.StateMachine, crawler *Crawler, processor *ingestion.Processor, analytics *onboarding.Analytics) *Job {
	return &Job{
		machine:   machine,
		crawler:   crawler,
		processor: processor,
		analytics: analytics,
	}
}

// Run executes one discovery pass for the connection. The caller is expected
// to have already transitioned the connection to DISCOVERING.
func (j *Job) Run(ctx context.Context, conn *models.Connection) error {
	lock, err := j.machine.AcquireLock(conn, jobName)
	if err != nil {
		return fmt.Errorf("failed to acquire discovery lock: %w", err)
	}
	if !lock.Acquired {
		return fmt.Errorf("discovery already running: %s", lock.Reason)
	}
	defer func() {
		if err := j.machine.ReleaseLock(conn, jobName); err != nil {
			logger.Warn("Failed to release discovery lock", zap.String("connection_id", conn.ID), zap.Error(err))
		}
	}()

	urls, err := j.crawler.DiscoverURLs(ctx, conn.WebsiteURL)
	if err != nil {
		return fmt.Errorf("site discovery failed: %w", err)
	}

	totalChunks := 0
	pagesIngested := 0
	for _, pageURL := range urls {
		html, err := j.crawler.FetchPage(ctx, pageURL)
		if err != nil {
			logger.Warn("Skipping page", zap.String("url", pageURL), zap.Error(err))
			continue
		}
		n, err := j.processor.ProcessPage(ctx, conn.ID, pageURL, html)
		if err != nil {
			logger.Warn("Failed to process page", zap.String("url", pageURL), zap.Error(err))
			continue
		}
		totalChunks += n
		pagesIngested++
	}

	j.analytics.TrackEvent(conn, "DISCOVERY_COMPLETED", map[string]interface{}{
		"pagesDiscovered": len(urls),
		"pagesIngested":   pagesIngested,
		"chunksCreated":   totalChunks,
	})

	logger.Info("Discovery job finished",
		zap.String("connection_id", conn.ID),
		zap.Int("pages", pagesIngested),
		zap.Int("chunks", totalChunks),
	)
	return nil
}
