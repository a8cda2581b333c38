// Package mboxstore exposes MBOX files as a mailstore.Store.
//
// A path ending in .mbox (or naming an existing regular file) is a single
// folder called INBOX. Any other path is a directory in which each folder
// "a/b" is stored as a/b.mbox.
package mboxstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/mail"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-mbox"
	"go.uber.org/atomic"

	"github.com/pepperpark/mailshift/internal/mailstore"
)

const ext = ".mbox"

type message struct {
	date time.Time
	raw  []byte
}

type Store struct {
	root   string
	single string

	mu      sync.Mutex
	lock    mailstore.FolderLock
	current []message
	closed  atomic.Bool
}

// Open prepares an MBOX store rooted at p. Directories are created on demand.
func Open(p string) (*Store, error) {
	if p == "" {
		return nil, errors.New("mbox path is empty")
	}
	fi, err := os.Stat(p)
	switch {
	case err == nil && !fi.IsDir():
		return &Store{single: p}, nil
	case err == nil:
		return &Store{root: p}, nil
	case errors.Is(err, fs.ErrNotExist) && strings.HasSuffix(p, ext):
		return &Store{single: p}, nil
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(p, 0o700); err != nil {
			return nil, err
		}
		return &Store{root: p}, nil
	default:
		return nil, err
	}
}

func (s *Store) folderPath(name string) (string, error) {
	if s.single != "" {
		return s.single, nil
	}
	clean := path.Clean("/" + name)
	if name == "" || clean == "/" || clean != "/"+name {
		return "", fmt.Errorf("invalid folder name %q", name)
	}
	return filepath.Join(s.root, filepath.FromSlash(name)+ext), nil
}

func (s *Store) ListFolders(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, mailstore.ErrClosed
	}
	if s.single != "" {
		return []string{mailstore.DefaultFolder}, nil
	}
	var folders []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ext) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		folders = append(folders, strings.TrimSuffix(filepath.ToSlash(rel), ext))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(folders)
	return folders, nil
}

// LockFolder reads the whole folder into memory; ids are 1-based positions.
func (s *Store) LockFolder(ctx context.Context, name string) (mailstore.Lock, error) {
	if s.closed.Load() {
		return nil, mailstore.ErrClosed
	}
	return s.lock.Acquire(ctx, name, func() error {
		p, err := s.folderPath(name)
		if err != nil {
			return err
		}
		msgs, err := readMessages(p)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.current = msgs
		s.mu.Unlock()
		return nil
	})
}

func readMessages(p string) ([]message, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var msgs []message
	r := mbox.NewReader(f)
	for {
		mr, err := r.NextMessage()
		if err == io.EOF {
			return msgs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read mbox: %w", err)
		}
		raw, err := io.ReadAll(mr)
		if err != nil {
			return nil, fmt.Errorf("read message: %w", err)
		}
		msgs = append(msgs, message{date: messageDate(raw), raw: raw})
	}
}

func messageDate(raw []byte) time.Time {
	if msg, err := mail.ReadMessage(bytes.NewReader(raw)); err == nil {
		if dh := msg.Header.Get("Date"); dh != "" {
			if t, err := mail.ParseDate(dh); err == nil {
				return t
			}
		}
	}
	return time.Now()
}

func (s *Store) OpenFolder(ctx context.Context, name string) error {
	if s.closed.Load() {
		return mailstore.ErrClosed
	}
	p, err := s.folderPath(name)
	if err != nil {
		return err
	}
	if s.single != "" {
		return nil
	}
	_, err = os.Stat(p)
	return err
}

func (s *Store) CreateFolder(ctx context.Context, name string) error {
	if s.closed.Load() {
		return mailstore.ErrClosed
	}
	p, err := s.folderPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func (s *Store) ListIDs(ctx context.Context, filter mailstore.Filter) ([]uint32, error) {
	if s.lock.Selected() == "" {
		return nil, mailstore.ErrNoFolderSelected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uint32
	for i, m := range s.current {
		if filter.Match(m.date) {
			ids = append(ids, uint32(i+1))
		}
	}
	return ids, nil
}

func (s *Store) FetchRaw(ctx context.Context, id uint32) ([]byte, error) {
	if s.closed.Load() {
		return nil, mailstore.ErrClosed
	}
	if s.lock.Selected() == "" {
		return nil, mailstore.ErrNoFolderSelected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == 0 || int(id) > len(s.current) {
		return nil, mailstore.ErrMessageNotFound
	}
	return s.current[id-1].raw, nil
}

func (s *Store) AppendRaw(ctx context.Context, folder string, raw []byte) error {
	if s.closed.Load() {
		return mailstore.ErrClosed
	}
	p, err := s.folderPath(folder)
	if err != nil {
		return err
	}
	if s.single == "" {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("append %s: %w", folder, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := mbox.NewWriter(f)
	mw, err := w.CreateMessage("mailshift@localhost", messageDate(raw))
	if err == nil {
		if !bytes.HasSuffix(raw, []byte("\n")) {
			raw = append(raw[:len(raw):len(raw)], '\n')
		}
		_, err = mw.Write(raw)
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("append %s: %w", folder, err)
	}
	return nil
}

func (s *Store) Logout() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
