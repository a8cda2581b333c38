// Package connect picks the mail store implementation for an endpoint.
package connect

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pepperpark/mailshift/internal/imaputil"
	"github.com/pepperpark/mailshift/internal/mailstore"
	"github.com/pepperpark/mailshift/internal/mboxstore"
)

type Options struct {
	SocketTimeout time.Duration
	// InsecureSkipVerify disables certificate checks for every IMAP
	// endpoint, in addition to endpoints that ask for it themselves.
	InsecureSkipVerify bool
}

// Dialer returns a mailstore.Dialer that opens MBOX paths locally and dials
// IMAP for everything else.
func Dialer(opts Options) mailstore.Dialer {
	return func(ctx context.Context, ep mailstore.Endpoint) (mailstore.Store, error) {
		if ep.Mbox != "" {
			s, err := mboxstore.Open(ep.Mbox)
			if err != nil {
				return nil, fmt.Errorf("open mbox: %w", err)
			}
			return s, nil
		}
		if ep.Host == "" {
			return nil, fmt.Errorf("no host given for %s", ep)
		}
		if opts.InsecureSkipVerify {
			ep.InsecureSkipVerify = true
		}
		log.WithField("endpoint", ep.String()).Debug("Dialing IMAP")
		c, err := imaputil.DialAndLogin(ctx, ep, imaputil.Options{SocketTimeout: opts.SocketTimeout})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Test connects, logs in and lists folders, then logs out.
func Test(ctx context.Context, dial mailstore.Dialer, ep mailstore.Endpoint) ([]string, error) {
	s, err := dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Logout() }()
	return s.ListFolders(ctx)
}
