package transport

import (
	"github.com/samber/oops"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = oops.Errorf("transport closed")
	// ErrRateLimited is the cause of a retryable send refusal.
	ErrRateLimited = oops.Errorf("send rate limit exceeded")
)

func oversize(op string, n, max int) error {
	return errs.New(errs.Transport, op, "datagram of %d bytes exceeds %d-byte limit", n, max)
}

func closed(op string) error {
	return errs.Wrap(errs.Transport, op, ErrClosed)
}
