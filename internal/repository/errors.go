package repository

import "errors"

var (
	ErrCacheMiss = errors.New("no cache entry for key")
	// ErrStorageFailure marks an unwritable or unreadable durable store. It is
	// fatal for a crawl session.
	ErrStorageFailure = errors.New("storage failure")
	// ErrTransient marks network failures, timeouts and 5xx answers.
	ErrTransient = errors.New("transient probe failure")
	// ErrMalformedResponse marks a response whose structure could not be understood.
	ErrMalformedResponse = errors.New("malformed response")

	ErrSessionNotFound = errors.New("crawl session not found")
	ErrSessionClosed   = errors.New("crawl session already finished")
)
