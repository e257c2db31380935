package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexusus/envy/errors"
	"github.com/nexusus/envy/gateway"
	"github.com/nexusus/envy/store"
)

// fakeStore is an in-memory Store
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]*store.GameRecord
	approved map[string]bool

	failGet    error
	failPut    error
	failDelete error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:  make(map[string]*store.GameRecord),
		approved: make(map[string]bool),
	}
}

func (f *fakeStore) Get(_ context.Context, id string) (*store.GameRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	if rec.Public != nil {
		p := *rec.Public
		cp.Public = &p
	}
	if rec.Moderation != nil {
		m := *rec.Moderation
		cp.Moderation = &m
	}
	return &cp, nil
}

func (f *fakeStore) Put(_ context.Context, id string, rec *store.GameRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut != nil {
		return f.failPut
	}
	cp := *rec
	f.records[id] = &cp
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != nil {
		return f.failDelete
	}
	delete(f.records, id)
	return nil
}

func (f *fakeStore) IsApproved(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approved[id], nil
}

func (f *fakeStore) Approve(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved[id] = true
	return nil
}

func (f *fakeStore) Unapprove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.approved, id)
	return nil
}

// fakeLock enforces real mutual exclusion in memory
type fakeLock struct {
	mu   sync.Mutex
	held map[string]string
	seq  int
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: make(map[string]string)}
}

func (f *fakeLock) Acquire(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.held[id]; busy {
		return "", errors.ErrLockBusy
	}
	f.seq++
	token := fmt.Sprintf("token-%d", f.seq)
	f.held[id] = token
	return token, nil
}

func (f *fakeLock) Release(_ context.Context, id, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[id] == token {
		delete(f.held, id)
	}
	return nil
}

// fakeGateway records the exact remote operation sequence
type fakeGateway struct {
	mu   sync.Mutex
	ops  []string
	next int

	// live messages by "dest/msgID"
	live map[string]bool

	failCreateAt map[string]error // destination -> error
	failEditAt   map[string]error
	failDeleteAt map[string]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		live:         make(map[string]bool),
		failCreateAt: make(map[string]error),
		failEditAt:   make(map[string]error),
		failDeleteAt: make(map[string]error),
	}
}

func (f *fakeGateway) Upsert(_ context.Context, dest, messageID string, _ gateway.Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if messageID != "" && f.live[dest+"/"+messageID] {
		if err := f.failEditAt[dest]; err != nil {
			f.ops = append(f.ops, "edit-fail "+dest+"/"+messageID)
			return "", err
		}
		f.ops = append(f.ops, "edit "+dest+"/"+messageID)
		return messageID, nil
	}

	if err := f.failCreateAt[dest]; err != nil {
		f.ops = append(f.ops, "create-fail "+dest)
		return "", err
	}
	f.next++
	id := fmt.Sprintf("msg-%d", f.next)
	f.live[dest+"/"+id] = true
	f.ops = append(f.ops, "create "+dest+"/"+id)
	return id, nil
}

func (f *fakeGateway) Delete(_ context.Context, dest, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failDeleteAt[dest]; err != nil {
		f.ops = append(f.ops, "delete-fail "+dest+"/"+messageID)
		return err
	}
	delete(f.live, dest+"/"+messageID)
	f.ops = append(f.ops, "delete "+dest+"/"+messageID)
	return nil
}

func (f *fakeGateway) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeGateway) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// nopFormatter returns empty payloads
type nopFormatter struct{}

func (nopFormatter) Public(Snapshot) gateway.Payload { return gateway.Payload{} }

func (nopFormatter) Moderation(Snapshot, bool) gateway.Payload { return gateway.Payload{} }

// recordingFormatter captures the snapshots it was asked to render
type recordingFormatter struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (f *recordingFormatter) Public(s Snapshot) gateway.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, s)
	return gateway.Payload{}
}

func (f *recordingFormatter) Moderation(s Snapshot, _ bool) gateway.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, s)
	return gateway.Payload{}
}

func (f *recordingFormatter) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = nil
}

func (f *recordingFormatter) seen() []Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Snapshot(nil), f.snapshots...)
}
