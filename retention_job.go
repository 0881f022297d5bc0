package main

import (
	"log"

	"github.com/robfig/cron/v3"

	"github.com/ppops/stub-gateway/internal/database"
)

// startRetentionJob schedules a nightly purge of load history rows older
// than retentionDays. Runs at 03:00 server time, outside load windows.
func startRetentionJob(retentionDays int) *cron.Cron {
	c := cron.New()
	if _, err := c.AddFunc("0 3 * * *", func() {
		purgeOldHistories(retentionDays)
	}); err != nil {
		log.Printf("WARNING: retention job not scheduled: %v", err)
		return c
	}
	c.Start()
	log.Printf("History retention job scheduled (keep %d days)", retentionDays)
	return c
}

func purgeOldHistories(retentionDays int) {
	n, err := database.DeleteOlderThan(retentionDays)
	if err != nil {
		log.Printf("History retention purge failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("History retention purge removed %d rows", n)
	}
}
