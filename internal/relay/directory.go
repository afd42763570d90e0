package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/ssd-technologies/corpusx/internal/storage"
)

// interchange holds the subscriber sets of one pyre. Each entry carries the
// lease of the connection that made it. Its mutex is the single writer for
// those sets.
type interchange struct {
	mu      sync.Mutex
	members map[Kind]map[string]uint64
	leases  map[string]uint64
}

// Directory tracks which nodes are subscribed to which channels of each
// interchange, and which files each session has discovered. Node membership
// is in memory; session state is persisted.
type Directory struct {
	mu        sync.Mutex
	pyres     map[string]*interchange
	nextLease uint64
	db        *storage.DB
}

// NewDirectory creates a Directory. Session operations use db.
func NewDirectory(db *storage.DB) *Directory {
	return &Directory{
		pyres: make(map[string]*interchange),
		db:    db,
	}
}

func (d *Directory) get(pyre string) *interchange {
	d.mu.Lock()
	defer d.mu.Unlock()
	ic, ok := d.pyres[pyre]
	if !ok {
		ic = &interchange{
			members: make(map[Kind]map[string]uint64),
			leases:  make(map[string]uint64),
		}
		for _, k := range Kinds {
			ic.members[k] = make(map[string]uint64)
		}
		d.pyres[pyre] = ic
	}
	return ic
}

// lookup is get without creating the interchange. Reads and removals on an
// unknown pyre must not allocate state for it.
func (d *Directory) lookup(pyre string) *interchange {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pyres[pyre]
}

func (d *Directory) lease() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextLease++
	return d.nextLease
}

// Subscribe adds node to a channel of pyre and returns the lease the
// connection must hand back to Disconnect. Connections of one node share a
// lease until the node is evicted. Subscribing a present member is a no-op.
func (d *Directory) Subscribe(pyre, node string, kind Kind) uint64 {
	ic := d.get(pyre)
	ic.mu.Lock()
	defer ic.mu.Unlock()
	set, ok := ic.members[kind]
	if !ok {
		return 0
	}
	l, ok := ic.leases[node]
	if !ok {
		l = d.lease()
		ic.leases[node] = l
	}
	set[node] = l
	return l
}

// Disconnect handles a closed node connection holding lease. Closing a search
// or file_request connection evicts the node from every channel of the
// interchange and reports true; the caller must then drop the node's other
// connections so it rejoins under a new lease. Other kinds only leave their
// own channel. A stale lease changes nothing.
func (d *Directory) Disconnect(pyre, node string, kind Kind, lease uint64) bool {
	ic := d.lookup(pyre)
	if ic == nil {
		return false
	}
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if l, ok := ic.members[kind][node]; !ok || l != lease {
		return false
	}
	if kind != KindSearch && kind != KindFileRequest {
		delete(ic.members[kind], node)
		return false
	}
	for _, set := range ic.members {
		delete(set, node)
	}
	delete(ic.leases, node)
	return true
}

// Nodes returns the sorted members of one channel of pyre.
func (d *Directory) Nodes(pyre string, kind Kind) []string {
	ic := d.lookup(pyre)
	if ic == nil {
		return []string{}
	}
	ic.mu.Lock()
	defer ic.mu.Unlock()
	nodes := make([]string, 0, len(ic.members[kind]))
	for n := range ic.members[kind] {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

// IsMember reports whether node is subscribed to any channel of pyre.
func (d *Directory) IsMember(pyre, node string) bool {
	ic := d.lookup(pyre)
	if ic == nil {
		return false
	}
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, set := range ic.members {
		if _, ok := set[node]; ok {
			return true
		}
	}
	return false
}

// OpenSession records a session on first result channel connect. Opening an
// existing session keeps it.
func (d *Directory) OpenSession(ctx context.Context, sessionID, userID string) error {
	return d.db.CreateSession(ctx, &storage.Session{SessionID: sessionID, UserID: userID})
}

// SetSessionFiles replaces the file set of a session.
func (d *Directory) SetSessionFiles(ctx context.Context, sessionID string, fileIDs []int64) error {
	return d.db.ReplaceSessionFiles(ctx, sessionID, fileIDs)
}

// SessionFiles returns the file set of a session.
func (d *Directory) SessionFiles(ctx context.Context, sessionID string) ([]int64, error) {
	return d.db.SessionFileIDs(ctx, sessionID)
}

// SessionHasFile reports whether a file was surfaced to a session.
func (d *Directory) SessionHasFile(ctx context.Context, sessionID string, fileID int64) (bool, error) {
	return d.db.SessionHasFile(ctx, sessionID, fileID)
}

// CloseSession deletes a session and its file set.
func (d *Directory) CloseSession(ctx context.Context, sessionID string) error {
	return d.db.DeleteSession(ctx, sessionID)
}

// RecordDelivery notes a file delivered to a session by a node. The
// session's file set is left alone.
func (d *Directory) RecordDelivery(ctx context.Context, sessionID string, fileID int64) error {
	return d.db.AddSessionDelivery(ctx, sessionID, fileID)
}

// MayDownload reports whether a session may download a file.
func (d *Directory) MayDownload(ctx context.Context, sessionID string, fileID int64) (bool, error) {
	return d.db.SessionMayDownload(ctx, sessionID, fileID)
}
