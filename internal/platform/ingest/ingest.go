// Package ingest consumes new referral requests from the upstream parsing
// pipeline. Every source hands raw JSON bodies to a Handler and acknowledges
// a message only after the handler accepted it or rejected it permanently.
package ingest

import (
	"context"
	"errors"
)

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// Source is a long-running consumer.
type Source interface {
	Name() string
	Run(ctx context.Context, h Handler) error
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth redelivering: the message is acknowledged
// and dropped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// shouldAck reports whether a message handled with err can be removed from
// its source.
func shouldAck(err error) bool {
	return err == nil || IsPermanent(err)
}
