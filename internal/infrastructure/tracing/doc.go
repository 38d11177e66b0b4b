/*
Package tracing provides lightweight spans for navigations and inspector
requests.

# Overview

Each navigation gets one span from creation to terminal disposition. The
trace id is the page id, so every navigation of a page, across process
swaps, groups under one trace. Span events record the steps in between
(policy decided, candidate created, committed). Inspector HTTP requests are
traced through HTTPMiddleware with X-Trace-ID / X-Span-ID propagation.

Finished spans are handed to a buffered collector goroutine and written
through zap. Spans are dropped, with a warning, when the buffer is full.

# Usage

	tracer := tracing.New("navswap", logger)
	defer tracer.Close()

	span := tracer.StartAt(tracing.TraceID(pageID), "navigation", sched.Now())
	span.SetTag("navigation_id", navID.String())
	span.LogAt(sched.Now(), "policy decided", nil)
	span.FinishAt(sched.Now())
	tracer.Submit(span)

	// HTTP middleware
	router.Use(tracing.HTTPMiddleware(tracer))
*/
package tracing
