package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/mcdev12/roomsync/go/internal/roomsync/events"
)

// Memory is an in-memory Store and ChangeSource. It backs tests and
// single-process deployments; every mutation fans out a change event to
// matching subscribers, so the full feed→reload loop is exercisable
// without Postgres.
type Memory struct {
	mu        sync.RWMutex
	rooms     map[uuid.UUID]models.Room
	byCode    map[string]uuid.UUID
	acts      map[uuid.UUID]models.Activity
	opts      map[uuid.UUID]models.Option
	responses map[respKey]models.Response

	subs   map[int]*memorySub
	nextID int

	// AtomicIncrements reports whether the increment primitives are
	// available. When false they return ErrUnsupported, forcing callers
	// onto the read-then-write fallback path.
	AtomicIncrements bool
}

type respKey struct {
	activityID    uuid.UUID
	participantID string
}

type memorySub struct {
	table  events.Table
	filter Filter
	fn     func(events.Change)

	mu     sync.Mutex
	closed bool
}

// NewMemory returns an empty in-memory store with atomic increments enabled.
func NewMemory() *Memory {
	return &Memory{
		rooms:            make(map[uuid.UUID]models.Room),
		byCode:           make(map[string]uuid.UUID),
		acts:             make(map[uuid.UUID]models.Activity),
		opts:             make(map[uuid.UUID]models.Option),
		responses:        make(map[respKey]models.Response),
		subs:             make(map[int]*memorySub),
		AtomicIncrements: true,
	}
}

// PutRoom inserts or replaces a room row.
func (m *Memory) PutRoom(room models.Room) {
	m.mu.Lock()
	_, existed := m.rooms[room.ID]
	m.rooms[room.ID] = room
	m.byCode[room.Code] = room.ID
	m.mu.Unlock()
	m.emitRow(events.TableRooms, changeTypeFor(existed), room.ID, room)
}

// PutActivity inserts or replaces an activity row.
func (m *Memory) PutActivity(act models.Activity) {
	m.mu.Lock()
	_, existed := m.acts[act.ID]
	m.acts[act.ID] = act
	m.mu.Unlock()
	m.emitRow(events.TableActivities, changeTypeFor(existed), act.RoomID, act)
}

// PutOption inserts or replaces an option row.
func (m *Memory) PutOption(opt models.Option) {
	m.mu.Lock()
	_, existed := m.opts[opt.ID]
	roomID := m.acts[opt.ActivityID].RoomID
	m.opts[opt.ID] = opt
	m.mu.Unlock()
	m.emitRow(events.TableOptions, changeTypeFor(existed), roomID, opt)
}

func changeTypeFor(existed bool) events.ChangeType {
	if existed {
		return events.ChangeUpdate
	}
	return events.ChangeInsert
}

func (m *Memory) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	room := m.rooms[id]
	return &room, nil
}

func (m *Memory) GetRoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &room, nil
}

func (m *Memory) UpdateRoom(ctx context.Context, id uuid.UUID, patch RoomPatch) (*models.Room, error) {
	m.mu.Lock()
	room, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if patch.Name != nil {
		room.Name = *patch.Name
	}
	if patch.IsActive != nil {
		room.IsActive = *patch.IsActive
	}
	if patch.ParticipantCount != nil {
		room.ParticipantCount = *patch.ParticipantCount
	}
	if patch.CurrentActivityID != nil {
		room.CurrentActivityID = *patch.CurrentActivityID
	}
	room.UpdatedAt = time.Now()
	m.rooms[id] = room
	m.mu.Unlock()

	m.emitRow(events.TableRooms, events.ChangeUpdate, id, room)
	return &room, nil
}

func (m *Memory) ListActivities(ctx context.Context, roomID uuid.UUID) ([]models.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Activity
	for _, act := range m.acts {
		if act.RoomID == roomID {
			out = append(out, act)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *Memory) UpdateActivity(ctx context.Context, id uuid.UUID, patch ActivityPatch) (*models.Activity, error) {
	m.mu.Lock()
	act, ok := m.acts[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if patch.Title != nil {
		act.Title = *patch.Title
	}
	if patch.IsActive != nil {
		act.IsActive = *patch.IsActive
	}
	if patch.TotalResponses != nil {
		act.TotalResponses = *patch.TotalResponses
	}
	if patch.VotingLocked != nil {
		act.VotingLocked = *patch.VotingLocked
	}
	act.UpdatedAt = time.Now()
	m.acts[id] = act
	m.mu.Unlock()

	m.emitRow(events.TableActivities, events.ChangeUpdate, act.RoomID, act)
	return &act, nil
}

func (m *Memory) ListOptions(ctx context.Context, activityID uuid.UUID) ([]models.Option, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Option
	for _, opt := range m.opts {
		if opt.ActivityID == activityID {
			out = append(out, opt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *Memory) GetOption(ctx context.Context, id uuid.UUID) (*models.Option, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	opt, ok := m.opts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &opt, nil
}

func (m *Memory) InsertResponse(ctx context.Context, resp models.Response) (*models.Response, error) {
	key := respKey{activityID: resp.ActivityID, participantID: resp.ParticipantID}

	m.mu.Lock()
	if _, exists := m.responses[key]; exists {
		m.mu.Unlock()
		return nil, ErrConflict
	}
	if resp.ID == uuid.Nil {
		resp.ID = uuid.New()
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now()
	}
	m.responses[key] = resp
	m.mu.Unlock()

	m.emitRow(events.TableResponses, events.ChangeInsert, resp.RoomID, resp)
	return &resp, nil
}

func (m *Memory) FindResponse(ctx context.Context, activityID uuid.UUID, participantID string) (*models.Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp, ok := m.responses[respKey{activityID: activityID, participantID: participantID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &resp, nil
}

func (m *Memory) ListResponsesByParticipant(ctx context.Context, roomID uuid.UUID, participantID string) ([]models.Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Response
	for _, resp := range m.responses {
		if resp.ParticipantID != participantID {
			continue
		}
		if roomID != uuid.Nil && resp.RoomID != roomID {
			continue
		}
		out = append(out, resp)
	}
	return out, nil
}

func (m *Memory) CountResponses(ctx context.Context, activityID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, resp := range m.responses {
		if resp.ActivityID == activityID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountResponsesByOption(ctx context.Context, activityID uuid.UUID) (map[uuid.UUID]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[uuid.UUID]int)
	for _, resp := range m.responses {
		if resp.ActivityID == activityID {
			counts[resp.OptionID]++
		}
	}
	return counts, nil
}

func (m *Memory) DeleteResponses(ctx context.Context, filter ResponseFilter) (int, error) {
	m.mu.Lock()
	var deleted []models.Response
	for key, resp := range m.responses {
		if filter.RoomID != uuid.Nil && resp.RoomID != filter.RoomID {
			continue
		}
		if filter.ActivityID != uuid.Nil && resp.ActivityID != filter.ActivityID {
			continue
		}
		if filter.ParticipantID != "" && resp.ParticipantID != filter.ParticipantID {
			continue
		}
		delete(m.responses, key)
		deleted = append(deleted, resp)
	}
	m.mu.Unlock()

	for _, resp := range deleted {
		m.emitDelete(events.TableResponses, resp.RoomID, resp)
	}
	return len(deleted), nil
}

func (m *Memory) IncrementOptionCount(ctx context.Context, optionID uuid.UUID) error {
	m.mu.Lock()
	if !m.AtomicIncrements {
		m.mu.Unlock()
		return ErrUnsupported
	}
	opt, ok := m.opts[optionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	opt.Responses++
	m.opts[optionID] = opt
	roomID := m.acts[opt.ActivityID].RoomID
	m.mu.Unlock()

	m.emitRow(events.TableOptions, events.ChangeUpdate, roomID, opt)
	return nil
}

func (m *Memory) IncrementActivityCount(ctx context.Context, activityID uuid.UUID) error {
	m.mu.Lock()
	if !m.AtomicIncrements {
		m.mu.Unlock()
		return ErrUnsupported
	}
	act, ok := m.acts[activityID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	act.TotalResponses++
	m.acts[activityID] = act
	m.mu.Unlock()

	m.emitRow(events.TableActivities, events.ChangeUpdate, act.RoomID, act)
	return nil
}

func (m *Memory) SetOptionCount(ctx context.Context, optionID uuid.UUID, n int) error {
	m.mu.Lock()
	opt, ok := m.opts[optionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	opt.Responses = n
	m.opts[optionID] = opt
	roomID := m.acts[opt.ActivityID].RoomID
	m.mu.Unlock()

	m.emitRow(events.TableOptions, events.ChangeUpdate, roomID, opt)
	return nil
}

func (m *Memory) SetActivityCount(ctx context.Context, activityID uuid.UUID, n int) error {
	m.mu.Lock()
	act, ok := m.acts[activityID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	act.TotalResponses = n
	m.acts[activityID] = act
	m.mu.Unlock()

	m.emitRow(events.TableActivities, events.ChangeUpdate, act.RoomID, act)
	return nil
}

// Subscribe registers a change handler for one table. The handler runs on
// the mutating goroutine; it must not block.
func (m *Memory) Subscribe(ctx context.Context, table events.Table, filter Filter, fn func(events.Change)) (Handle, error) {
	sub := &memorySub{table: table, filter: filter, fn: fn}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	m.mu.Unlock()
	return &memoryHandle{store: m, id: id, sub: sub}, nil
}

type memoryHandle struct {
	store *Memory
	id    int
	sub   *memorySub
}

// Close stops the subscription. No callback may begin after Close returns:
// dispatch holds the subscription mutex while invoking the handler, so
// taking it here synchronizes with any in-flight delivery.
func (h *memoryHandle) Close() error {
	h.store.mu.Lock()
	delete(h.store.subs, h.id)
	h.store.mu.Unlock()

	h.sub.mu.Lock()
	h.sub.closed = true
	h.sub.mu.Unlock()
	return nil
}

func (m *Memory) emitRow(table events.Table, typ events.ChangeType, roomID uuid.UUID, row any) {
	after, err := json.Marshal(row)
	if err != nil {
		return
	}
	m.dispatch(events.Change{Table: table, Type: typ, After: after, Timestamp: time.Now()}, roomID, row)
}

func (m *Memory) emitDelete(table events.Table, roomID uuid.UUID, row any) {
	before, err := json.Marshal(row)
	if err != nil {
		return
	}
	m.dispatch(events.Change{Table: table, Type: events.ChangeDelete, Before: before, Timestamp: time.Now()}, roomID, row)
}

func (m *Memory) dispatch(change events.Change, roomID uuid.UUID, row any) {
	m.mu.RLock()
	targets := make([]*memorySub, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.table != change.Table {
			continue
		}
		if sub.filter.RoomID != uuid.Nil && sub.filter.RoomID != roomID {
			continue
		}
		if sub.filter.ActivityID != uuid.Nil && sub.filter.ActivityID != activityIDOf(row) {
			continue
		}
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		sub.mu.Lock()
		if !sub.closed {
			sub.fn(change)
		}
		sub.mu.Unlock()
	}
}

func activityIDOf(row any) uuid.UUID {
	switch v := row.(type) {
	case models.Activity:
		return v.ID
	case models.Option:
		return v.ActivityID
	case models.Response:
		return v.ActivityID
	default:
		return uuid.Nil
	}
}
