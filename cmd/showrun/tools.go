package main

import (
	"github.com/showrun/showrun"
	"github.com/showrun/showrun/metricsync"
	"github.com/showrun/showrun/observer"
)

// toolRegistrations is the tool catalogue compiled into this worker. The
// substrate ships none: media capabilities (ingest, transcription, render,
// publish) live in their own modules and append themselves here from init()
// in a sibling file of the deployment build.
var toolRegistrations []showrun.Registration

// metricsFetcher is the platform-stats source for the metric refresher.
// Nil when this build carries no scraper client, which disables the
// refresh schedule.
var metricsFetcher metricsync.Fetcher

// registerTools adds the compiled-in catalogue to the app, wrapping each
// registration with step spans and metrics when observability is on.
func registerTools(app *showrun.App, inst *observer.Instruments) error {
	for _, reg := range toolRegistrations {
		if inst != nil {
			reg = observer.WrapRegistration(reg, inst)
		}
		if err := app.AddTool(reg); err != nil {
			return err
		}
	}
	return nil
}
