// Package hostctx holds the client-side notion of "which host is selected"
// and "are there any hosts at all" for consumers of the API client.
//
// A failed refresh degrades to the no-hosts phase, the same as an empty
// list, but the error is kept on the snapshot so callers can tell the two
// apart. Refresh never retries on its own.
//
// The loading phase covers only the first fetch. Later refreshes keep the
// current phase until their result is applied.
package hostctx

import (
	"context"
	"slices"
	"sync"

	"github.com/gluk-w/hostdeck/internal/database"
	"go.uber.org/zap"
)

type Phase string

const (
	PhaseLoading      Phase = "loading"
	PhaseNoHosts      Phase = "no-hosts"
	PhaseNoneSelected Phase = "has-hosts-none-selected"
	PhaseSelected     Phase = "has-hosts-one-selected"
)

// Lister fetches the host list. *apiclient.HostsClient satisfies it.
type Lister interface {
	List(ctx context.Context) ([]database.Host, error)
}

type Snapshot struct {
	Phase    Phase
	Hosts    []database.Host
	Selected *database.Host
	HasHosts bool
	Loading  bool
	Err      error
}

type Context struct {
	lister Lister
	log    *zap.Logger

	mu        sync.Mutex
	hosts     []database.Host
	selected  *database.Host
	hasHosts  bool
	loading   bool
	fetched   bool
	err       error
	gen       uint64
	listeners map[int]func(Snapshot)
	nextID    int
}

// New returns a Context in the loading phase; call Refresh to leave it.
func New(lister Lister, log *zap.Logger) *Context {
	if log == nil {
		log = zap.NewNop()
	}
	return &Context{
		lister:    lister,
		log:       log.Named("hostctx"),
		loading:   true,
		listeners: make(map[int]func(Snapshot)),
	}
}

// Refresh fetches the host list and updates the state. An existing
// selection is kept and replaced by its fresh copy; when there is none, or
// the selected host no longer exists, the first host is selected. Only the
// most recently started Refresh is applied.
func (c *Context) Refresh(ctx context.Context) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	initial := !c.fetched
	c.mu.Unlock()
	if initial {
		c.notify()
	}

	list, err := c.lister.List(ctx)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return err
	}
	c.loading = false
	c.fetched = true
	c.err = err
	switch {
	case err != nil:
		c.log.Warn("host list fetch failed", zap.Error(err))
		c.hosts, c.hasHosts, c.selected = nil, false, nil
	case len(list) == 0:
		c.hosts, c.hasHosts, c.selected = []database.Host{}, false, nil
	default:
		c.hosts, c.hasHosts = list, true
		c.selected = reselect(c.selected, list)
	}
	c.mu.Unlock()
	c.notify()
	return err
}

func reselect(current *database.Host, list []database.Host) *database.Host {
	if current != nil {
		for i := range list {
			if list[i].ID == current.ID {
				h := list[i]
				return &h
			}
		}
	}
	h := list[0]
	return &h
}

// SetSelectedHost overrides the selection. nil clears it.
func (c *Context) SetSelectedHost(h *database.Host) {
	c.mu.Lock()
	if h == nil {
		c.selected = nil
	} else {
		cp := *h
		c.selected = &cp
	}
	c.mu.Unlock()
	c.notify()
}

// SelectByID selects the host with id from the last fetched list.
func (c *Context) SelectByID(id string) bool {
	c.mu.Lock()
	var found *database.Host
	for i := range c.hosts {
		if c.hosts[i].ID == id {
			h := c.hosts[i]
			found = &h
			break
		}
	}
	c.mu.Unlock()
	if found == nil {
		return false
	}
	c.SetSelectedHost(found)
	return true
}

func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Context) snapshotLocked() Snapshot {
	s := Snapshot{
		HasHosts: c.hasHosts,
		Loading:  c.loading,
		Err:      c.err,
	}
	if c.hosts != nil {
		s.Hosts = slices.Clone(c.hosts)
	}
	if c.selected != nil {
		h := *c.selected
		s.Selected = &h
	}
	switch {
	case c.loading:
		s.Phase = PhaseLoading
	case !c.hasHosts:
		s.Phase = PhaseNoHosts
	case c.selected == nil:
		s.Phase = PhaseNoneSelected
	default:
		s.Phase = PhaseSelected
	}
	return s
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned func removes it.
func (c *Context) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Context) notify() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
