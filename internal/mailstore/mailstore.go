// Package mailstore defines the capability a migration needs from a mail
// store. Concrete stores live in imaputil (IMAP) and mboxstore (MBOX files).
package mailstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrClosed           = errors.New("connection closed")
	ErrNoFolderSelected = errors.New("no folder selected")
)

// DefaultFolder is where appends land when the mapped destination folder can
// neither be opened nor created.
const DefaultFolder = "INBOX"

// Endpoint describes how to reach one side of a migration.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	// TLS selects implicit TLS. When false the connection is plain, upgraded
	// with STARTTLS if StartTLS is set.
	TLS                bool `json:"tls"`
	StartTLS           bool `json:"starttls"`
	InsecureSkipVerify bool `json:"insecure_skip_verify"`
	// Mbox, when set, points at an MBOX file or a directory of MBOX files and
	// the network fields are ignored.
	Mbox string `json:"mbox,omitempty"`
}

func (e Endpoint) String() string {
	if e.Mbox != "" {
		return "mbox:" + e.Mbox
	}
	return fmt.Sprintf("%s@%s:%d", e.User, e.Host, e.Port)
}

// Filter restricts message enumeration. A zero Since matches every message.
type Filter struct {
	Since time.Time
}

func (f Filter) Match(internalDate time.Time) bool {
	return f.Since.IsZero() || !internalDate.Before(f.Since)
}

// Lock is the exclusive right to have a folder selected on a connection.
type Lock interface {
	Folder() string
	Release()
}

// Store is one authenticated connection to a mail store.
//
// ListIDs and FetchRaw operate on the folder held by the current Lock.
type Store interface {
	ListFolders(ctx context.Context) ([]string, error)
	LockFolder(ctx context.Context, name string) (Lock, error)
	OpenFolder(ctx context.Context, name string) error
	CreateFolder(ctx context.Context, name string) error
	ListIDs(ctx context.Context, filter Filter) ([]uint32, error)
	FetchRaw(ctx context.Context, id uint32) ([]byte, error)
	AppendRaw(ctx context.Context, folder string, raw []byte) error
	// Logout ends the session gracefully.
	Logout() error
	// Close drops the connection immediately; blocked calls fail.
	Close() error
}

// Dialer connects and authenticates to an endpoint.
type Dialer func(ctx context.Context, ep Endpoint) (Store, error)

// FolderLock serializes folder selection on a single connection. Stores embed
// it and hand out the result of Acquire from LockFolder.
type FolderLock struct {
	mu       sync.Mutex
	selected atomic.String
}

// Acquire blocks until the connection's selection is free or ctx is done,
// then runs selectFn. The selection stays held until Release.
func (fl *FolderLock) Acquire(ctx context.Context, name string, selectFn func() error) (Lock, error) {
	acquired := make(chan struct{})
	go func() {
		fl.mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-ctx.Done():
		// hand the mutex back once the goroutine gets it
		go func() {
			<-acquired
			fl.mu.Unlock()
		}()
		return nil, ctx.Err()
	}
	if err := selectFn(); err != nil {
		fl.mu.Unlock()
		return nil, err
	}
	fl.selected.Store(name)
	return &heldLock{fl: fl, folder: name}, nil
}

// Selected returns the folder of the held lock, or "" if none.
func (fl *FolderLock) Selected() string {
	return fl.selected.Load()
}

type heldLock struct {
	fl     *FolderLock
	folder string
	once   sync.Once
}

func (l *heldLock) Folder() string { return l.folder }

func (l *heldLock) Release() {
	l.once.Do(func() {
		l.fl.selected.Store("")
		l.fl.mu.Unlock()
	})
}
