package connect

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pepperpark/mailshift/internal/eventlog"
	"github.com/pepperpark/mailshift/internal/mailstore"
	"github.com/pepperpark/mailshift/internal/mboxstore"
	"github.com/pepperpark/mailshift/internal/stats"
	"github.com/pepperpark/mailshift/internal/syncer"
)

func imapEndpoint(t *testing.T) mailstore.Endpoint {
	t.Helper()
	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })

	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return mailstore.Endpoint{Host: host, Port: p, User: "username", Password: "password"}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDialerIMAP(t *testing.T) {
	folders, err := Test(testCtx(t), Dialer(Options{SocketTimeout: 5 * time.Second}), imapEndpoint(t))
	require.NoError(t, err)
	assert.Contains(t, folders, "INBOX")
}

func TestDialerIMAPBadPassword(t *testing.T) {
	ep := imapEndpoint(t)
	ep.Password = "wrong"
	_, err := Test(testCtx(t), Dialer(Options{}), ep)
	assert.Error(t, err)
}

func TestDialerMbox(t *testing.T) {
	ep := mailstore.Endpoint{Mbox: filepath.Join(t.TempDir(), "export.mbox")}
	folders, err := Test(testCtx(t), Dialer(Options{}), ep)
	require.NoError(t, err)
	assert.Equal(t, []string{"INBOX"}, folders)
}

func TestDialerRequiresHost(t *testing.T) {
	_, err := Dialer(Options{})(testCtx(t), mailstore.Endpoint{User: "alice"})
	assert.ErrorContains(t, err, "no host")
}

func TestMigrateIMAPToMbox(t *testing.T) {
	dir := t.TempDir()
	events, err := eventlog.New(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	st := stats.New()
	m := syncer.NewMailboxSyncer(Dialer(Options{SocketTimeout: 5 * time.Second}), events, st, syncer.Options{ConnectTimeout: 5 * time.Second})

	job := syncer.NewJob(context.Background(), syncer.Config{
		ID:          "imap-to-mbox",
		Source:      imapEndpoint(t),
		Destination: mailstore.Endpoint{Mbox: filepath.Join(dir, "backup")},
		Concurrency: 2,
	})
	require.Equal(t, syncer.StatusCompleted, m.Run(job))
	assert.Equal(t, int64(1), st.Snapshot().TotalEmails)

	out, err := mboxstore.Open(filepath.Join(dir, "backup"))
	require.NoError(t, err)
	ctx := context.Background()
	lock, err := out.LockFolder(ctx, "INBOX")
	require.NoError(t, err)
	defer lock.Release()
	ids, err := out.ListIDs(ctx, mailstore.Filter{})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	raw, err := out.FetchRaw(ctx, ids[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "A little message")
}
