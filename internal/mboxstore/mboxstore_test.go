package mboxstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pepperpark/mailshift/internal/mailstore"
)

const (
	oldMsg = "From: a@example.org\nDate: Mon, 02 Jan 2006 15:04:05 +0000\nSubject: old\n\nbody one\n"
	newMsg = "From: b@example.org\nDate: Tue, 05 Mar 2024 10:00:00 +0000\nSubject: new\n\nbody two\n"
)

func TestDirectoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "archive"))
	require.NoError(t, err)

	require.Error(t, s.OpenFolder(ctx, "Work/Projects"))
	require.NoError(t, s.CreateFolder(ctx, "Work/Projects"))
	require.NoError(t, s.OpenFolder(ctx, "Work/Projects"))
	require.NoError(t, s.AppendRaw(ctx, "Work/Projects", []byte(oldMsg)))
	require.NoError(t, s.AppendRaw(ctx, "Work/Projects", []byte(newMsg)))

	folders, err := s.ListFolders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Work/Projects"}, folders)

	lock, err := s.LockFolder(ctx, "Work/Projects")
	require.NoError(t, err)
	defer lock.Release()

	ids, err := s.ListIDs(ctx, mailstore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, ids)

	since := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	ids, err = s.ListIDs(ctx, mailstore.Filter{Since: since})
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, ids)

	raw, err := s.FetchRaw(ctx, 2)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Subject: new")

	_, err = s.FetchRaw(ctx, 3)
	assert.ErrorIs(t, err, mailstore.ErrMessageNotFound)
}

func TestSingleFileIsInbox(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "export.mbox"))
	require.NoError(t, err)

	folders, err := s.ListFolders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"INBOX"}, folders)
	require.NoError(t, s.AppendRaw(ctx, "INBOX", []byte(oldMsg)))

	lock, err := s.LockFolder(ctx, "INBOX")
	require.NoError(t, err)
	ids, err := s.ListIDs(ctx, mailstore.Filter{})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	lock.Release()

	_, err = s.ListIDs(ctx, mailstore.Filter{})
	assert.ErrorIs(t, err, mailstore.ErrNoFolderSelected)
}

func TestRejectsEscapingFolderNames(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, s.CreateFolder(context.Background(), "../outside"))
	assert.Error(t, s.CreateFolder(context.Background(), ""))
}

func TestClosedStore(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, err = s.ListFolders(context.Background())
	assert.ErrorIs(t, err, mailstore.ErrClosed)
}
