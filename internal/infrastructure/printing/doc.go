// Package printing turns HTML markup or a remote page into a PDF document
// using a pooled headless Chromium instance.
//
// HTML sources are injected straight into a blank tab. URL sources go
// through a load ladder that waits for network idle first and falls back to
// DOMContentLoaded and then the load event, each with its own timeout and
// settle delay, before a final pause for client-side rendering.
//
// Example usage:
//
//	engine, err := printing.NewEngine(pool, printing.DefaultEngineConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	pdf, err := engine.Render(ctx,
//	    conversion.URLSource("https://example.com"),
//	    conversion.PageOptions{PageSize: conversion.PageSizeLetter},
//	)
package printing
