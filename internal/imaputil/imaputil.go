package imaputil

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/pepperpark/mailshift/internal/mailstore"
)

// Options tune a connection beyond what the endpoint describes.
type Options struct {
	// SocketTimeout bounds each command once logged in.
	SocketTimeout time.Duration
}

// Client is a logged-in IMAP connection implementing mailstore.Store.
//
// go-imap's client is not meant for concurrent commands, so every command
// runs under cmdMu. Close bypasses it to unblock a stuck command.
type Client struct {
	c     *client.Client
	cmdMu sync.Mutex
	lock  mailstore.FolderLock
}

// DialAndLogin connects and logs into an IMAP server. Greeting, STARTTLS and
// LOGIN are bounded by ctx.
func DialAndLogin(ctx context.Context, ep mailstore.Endpoint, opts Options) (*Client, error) {
	port := ep.Port
	if port == 0 {
		port = 993
	}
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(port))
	tlsConfig := &tls.Config{ServerName: ep.Host, InsecureSkipVerify: ep.InsecureSkipVerify}

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()

	conn := raw
	if ep.TLS {
		conn = tls.Client(raw, tlsConfig)
	}
	c, err := client.New(conn)
	if err != nil {
		_ = raw.Close()
		return nil, ctxErr(ctx, err)
	}
	// Enable raw IMAP wire debug if requested via environment variable
	if os.Getenv("MAILSHIFT_IMAP_DEBUG") == "1" {
		c.SetDebug(os.Stderr)
	}
	if ep.StartTLS && !ep.TLS {
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Terminate()
			return nil, ctxErr(ctx, err)
		}
	}
	if err := c.Login(ep.User, ep.Password); err != nil {
		_ = c.Logout()
		return nil, ctxErr(ctx, err)
	}
	if !stop() {
		return nil, ctx.Err()
	}
	_ = raw.SetDeadline(time.Time{})
	c.Timeout = opts.SocketTimeout
	return &Client{c: c}, nil
}

// ctxErr prefers the context error when the connection died because ctx ended.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

// ListMailboxes returns all selectable mailbox names.
func ListMailboxes(ctx context.Context, c *client.Client) ([]string, error) {
	mailboxes := []string{}
	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	hasInbox := false
	go func() {
		done <- c.List("", "*", ch)
		close(done)
	}()
	for m := range ch {
		if m == nil || hasAttr(m.Attributes, imap.NoSelectAttr) {
			continue
		}
		mailboxes = append(mailboxes, m.Name)
		if strings.EqualFold(m.Name, "INBOX") {
			hasInbox = true
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	if !hasInbox {
		mailboxes = append([]string{"INBOX"}, mailboxes...)
	}
	return mailboxes, nil
}

func hasAttr(attrs []string, want string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, want) {
			return true
		}
	}
	return false
}

// SelectMailbox selects a mailbox in read-only or read-write mode.
func SelectMailbox(c *client.Client, name string, readOnly bool) (*imap.MailboxStatus, error) {
	return c.Select(name, readOnly)
}

// SearchUIDsSince returns the UIDs of the selected mailbox whose INTERNALDATE
// is on or after since. A zero since matches everything.
func SearchUIDsSince(c *client.Client, since time.Time) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	if !since.IsZero() {
		criteria.Since = since
	} else {
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(1, 4294967295)
	}
	return c.UidSearch(criteria)
}

func (c *Client) ListFolders(ctx context.Context) ([]string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return ListMailboxes(ctx, c.c)
}

// LockFolder selects name read-only and holds the selection until Release.
func (c *Client) LockFolder(ctx context.Context, name string) (mailstore.Lock, error) {
	return c.lock.Acquire(ctx, name, func() error {
		c.cmdMu.Lock()
		defer c.cmdMu.Unlock()
		_, err := SelectMailbox(c.c, name, true)
		return err
	})
}

func (c *Client) OpenFolder(ctx context.Context, name string) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	_, err := SelectMailbox(c.c, name, false)
	return err
}

func (c *Client) CreateFolder(ctx context.Context, name string) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.c.Create(name)
}

func (c *Client) ListIDs(ctx context.Context, filter mailstore.Filter) ([]uint32, error) {
	if c.lock.Selected() == "" {
		return nil, mailstore.ErrNoFolderSelected
	}
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return SearchUIDsSince(c.c, filter.Since)
}

// FetchRaw returns the full RFC 822 source of the message with UID id in the
// locked folder.
func (c *Client) FetchRaw(ctx context.Context, id uint32) ([]byte, error) {
	if c.lock.Selected() == "" {
		return nil, mailstore.ErrNoFolderSelected
	}
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	seq := new(imap.SeqSet)
	seq.AddNum(id)
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}
	msgs := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.c.UidFetch(seq, items, msgs)
	}()
	var body []byte
	var readErr error
	found := false
	for msg := range msgs {
		if msg == nil || found {
			continue
		}
		lit := msg.GetBody(section)
		if lit == nil {
			continue
		}
		found = true
		body, readErr = io.ReadAll(lit)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("read body: %w", readErr)
	}
	if !found {
		return nil, mailstore.ErrMessageNotFound
	}
	return body, nil
}

func (c *Client) AppendRaw(ctx context.Context, folder string, raw []byte) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if err := c.c.Append(folder, nil, time.Time{}, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return nil
}

func (c *Client) Logout() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.c.Logout()
}

// Close drops the TCP connection without waiting for in-flight commands.
func (c *Client) Close() error {
	return c.c.Terminate()
}
