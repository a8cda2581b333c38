// Package memstore is an in-memory mailstore.Store with fault and latency
// knobs, used to exercise the scheduler without a network.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/pepperpark/mailshift/internal/mailstore"
)

type message struct {
	uid  uint32
	date time.Time
	raw  []byte
}

// Server is one mailbox account. Every Dial returns a new connection to it.
type Server struct {
	mu          sync.Mutex
	folders     map[string][]message
	order       []string
	nextUID     uint32
	dialErr     error
	lockErr     map[string]error
	openErr     map[string]error
	createErr   error
	fetchErr    map[uint32]error
	appendErr   error
	latency     time.Duration
	dialDelay   time.Duration
	onFetch     func(folder string, uid uint32)
	appends     atomic.Int64
	fetches     atomic.Int64
	connections []*Conn
}

func NewServer() *Server {
	return &Server{
		folders:  make(map[string][]message),
		nextUID:  1,
		lockErr:  make(map[string]error),
		openErr:  make(map[string]error),
		fetchErr: make(map[uint32]error),
	}
}

// AddFolder creates an empty folder if it does not exist yet.
func (s *Server) AddFolder(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addFolderLocked(name)
}

func (s *Server) addFolderLocked(name string) {
	if _, ok := s.folders[name]; ok {
		return
	}
	s.folders[name] = nil
	s.order = append(s.order, name)
}

// AddMessage stores raw in folder and returns its UID.
func (s *Server) AddMessage(folder string, date time.Time, raw []byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addFolderLocked(folder)
	uid := s.nextUID
	s.nextUID++
	s.folders[folder] = append(s.folders[folder], message{uid: uid, date: date, raw: raw})
	return uid
}

// Messages returns the raw messages of folder in append order.
func (s *Server) Messages(folder string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, 0, len(s.folders[folder]))
	for _, m := range s.folders[folder] {
		out = append(out, m.raw)
	}
	return out
}

func (s *Server) SetDialError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

// SetDialDelay makes Dial wait before connecting, honouring ctx.
func (s *Server) SetDialDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialDelay = d
}

func (s *Server) SetLockError(folder string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockErr[folder] = err
}

func (s *Server) SetOpenError(folder string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr[folder] = err
}

func (s *Server) SetCreateError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

func (s *Server) SetFetchError(uid uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr[uid] = err
}

func (s *Server) SetAppendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

// SetLatency adds a fixed delay to every fetch and append.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// OnFetch registers a hook run at the start of every fetch.
func (s *Server) OnFetch(fn func(folder string, uid uint32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFetch = fn
}

func (s *Server) AppendCount() int64 { return s.appends.Load() }
func (s *Server) FetchCount() int64  { return s.fetches.Load() }

// Closed reports how many connections were force-closed.
func (s *Server) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.connections {
		if c.forced.Load() {
			n++
		}
	}
	return n
}

// Dial implements mailstore.Dialer.
func (s *Server) Dial(ctx context.Context, ep mailstore.Endpoint) (mailstore.Store, error) {
	s.mu.Lock()
	err, delay := s.dialErr, s.dialDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", ep, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	c := &Conn{srv: s}
	s.mu.Lock()
	s.connections = append(s.connections, c)
	s.mu.Unlock()
	return c, nil
}

// Conn is one connection to a Server.
type Conn struct {
	srv    *Server
	lock   mailstore.FolderLock
	closed atomic.Bool
	forced atomic.Bool
}

func (c *Conn) check() error {
	if c.closed.Load() {
		return mailstore.ErrClosed
	}
	return nil
}

func (c *Conn) pause() {
	c.srv.mu.Lock()
	d := c.srv.latency
	c.srv.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
}

func (c *Conn) ListFolders(ctx context.Context) ([]string, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return append([]string(nil), c.srv.order...), nil
}

func (c *Conn) LockFolder(ctx context.Context, name string) (mailstore.Lock, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.lock.Acquire(ctx, name, func() error {
		c.srv.mu.Lock()
		defer c.srv.mu.Unlock()
		if err := c.srv.lockErr[name]; err != nil {
			return err
		}
		if _, ok := c.srv.folders[name]; !ok {
			return fmt.Errorf("select %s: no such folder", name)
		}
		return nil
	})
}

func (c *Conn) OpenFolder(ctx context.Context, name string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.srv.openErr[name]; err != nil {
		return err
	}
	if _, ok := c.srv.folders[name]; !ok {
		return fmt.Errorf("open %s: no such folder", name)
	}
	return nil
}

func (c *Conn) CreateFolder(ctx context.Context, name string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.createErr != nil {
		return c.srv.createErr
	}
	c.srv.addFolderLocked(name)
	return nil
}

func (c *Conn) ListIDs(ctx context.Context, filter mailstore.Filter) ([]uint32, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	folder := c.lock.Selected()
	if folder == "" {
		return nil, mailstore.ErrNoFolderSelected
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	var ids []uint32
	for _, m := range c.srv.folders[folder] {
		if filter.Match(m.date) {
			ids = append(ids, m.uid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (c *Conn) FetchRaw(ctx context.Context, id uint32) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	folder := c.lock.Selected()
	if folder == "" {
		return nil, mailstore.ErrNoFolderSelected
	}
	c.srv.fetches.Inc()
	c.srv.mu.Lock()
	hook := c.srv.onFetch
	c.srv.mu.Unlock()
	if hook != nil {
		hook(folder, id)
	}
	c.pause()
	if err := c.check(); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.srv.fetchErr[id]; err != nil {
		return nil, err
	}
	for _, m := range c.srv.folders[folder] {
		if m.uid == id {
			return append([]byte(nil), m.raw...), nil
		}
	}
	return nil, mailstore.ErrMessageNotFound
}

func (c *Conn) AppendRaw(ctx context.Context, folder string, raw []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	c.pause()
	if err := c.check(); err != nil {
		return err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.appendErr != nil {
		return c.srv.appendErr
	}
	if _, ok := c.srv.folders[folder]; !ok {
		return fmt.Errorf("append %s: no such folder", folder)
	}
	uid := c.srv.nextUID
	c.srv.nextUID++
	c.srv.folders[folder] = append(c.srv.folders[folder], message{uid: uid, date: time.Now(), raw: append([]byte(nil), raw...)})
	c.srv.appends.Inc()
	return nil
}

func (c *Conn) Logout() error {
	if c.closed.Swap(true) {
		return mailstore.ErrClosed
	}
	return nil
}

func (c *Conn) Close() error {
	c.forced.Store(true)
	c.closed.Store(true)
	return nil
}
