package state

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/greenfeld/cloudhawk-integration/internal/pkg/model"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/protocol"
)

// maxRecentFaults bounds the fault ring; the oldest records are dropped.
const maxRecentFaults = 10

// Model holds the last-known state of one mower and merges decoded frames
// into it. Merges are partial: a frame that does not carry a field leaves
// the current value untouched. Known values never regress to unknown
// except through Reset.
type Model struct {
	mu     sync.RWMutex
	state  model.MowerState
	subs   map[int]chan model.ChangeSet
	nextID int
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Model)

// WithClock overrides the time source, used by tests and the dispatcher's
// confirmation window.
func WithClock(now func() time.Time) Option {
	return func(m *Model) {
		m.now = now
	}
}

func New(opts ...Option) *Model {
	m := &Model{
		state:  model.MowerState{Status: model.StatusUnknown},
		subs:   make(map[int]chan model.ChangeSet),
		now:    time.Now,
		logger: zap.L(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Apply merges the frame's present fields into the state and returns the
// set of fields whose value actually changed. LastUpdatedAt is refreshed
// on every successful apply, changed fields or not, so callers waiting for
// a confirming notification see repeated frames too.
func (m *Model) Apply(frame *protocol.Frame) model.ChangeSet {
	m.mu.Lock()
	next := cloneState(m.state)
	changes := model.ChangeSet{}

	if frame.Status != nil && next.Status != *frame.Status {
		next.Status = *frame.Status
		changes[model.SlugStatus] = string(*frame.Status)
	}
	merge(&next.BatteryPercent, frame.BatteryPercent, model.SlugBatteryPercent, changes)
	merge(&next.IsCharging, frame.IsCharging, model.SlugIsCharging, changes)
	merge(&next.SignalType, frame.SignalType, model.SlugSignalType, changes)
	merge(&next.WorkingHours, frame.WorkingHours, model.SlugWorkingHours, changes)
	merge(&next.RainDelayMinutes, frame.RainDelayMinutes, model.SlugRainDelayMinutes, changes)
	merge(&next.BoundaryTrimming, frame.BoundaryTrimming, model.SlugBoundaryTrimming, changes)
	merge(&next.UltrasonicEnabled, frame.UltrasonicEnabled, model.SlugUltrasonicEnabled, changes)

	m.setOnce(&next.FirmwareVersion, frame.FirmwareVersion, model.SlugFirmwareVersion, changes)
	m.setOnce(&next.SerialNumber, frame.SerialNumber, model.SlugSerialNumber, changes)

	if added := mergeFaults(&next, frame.Faults); added > 0 {
		changes[model.SlugFaultCount] = next.FaultCount
		changes["recent_faults"] = append([]model.FaultRecord(nil), next.RecentFaults...)
	}

	next.LastUpdatedAt = m.now()
	m.state = next
	subs := m.snapshotSubs()
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- changes:
		default:
			// Slow subscribers must not stall the notification path.
		}
	}
	return changes
}

// Reset clears every optional field back to unknown. Called once per new
// transport session: the peer may be a different physical device.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = model.MowerState{Status: model.StatusUnknown}
}

// Snapshot returns an immutable copy of the current state.
func (m *Model) Snapshot() model.MowerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneState(m.state)
}

// LastUpdatedAt reports when the last frame was merged; zero before the
// first apply of a session.
func (m *Model) LastUpdatedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.LastUpdatedAt
}

// Subscribe registers for apply events. Every successful Apply delivers
// its change set (possibly empty, when a frame repeats known values).
// The returned cancel func must be called to release the subscription.
func (m *Model) Subscribe() (<-chan model.ChangeSet, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan model.ChangeSet, 16)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Model) snapshotSubs() []chan model.ChangeSet {
	subs := make([]chan model.ChangeSet, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	return subs
}

// setOnce handles device-identity strings: set on first observation,
// immutable afterwards.
func (m *Model) setOnce(dst *string, src *string, slug string, changes model.ChangeSet) {
	if src == nil || *src == "" {
		return
	}
	if *dst == "" {
		*dst = *src
		changes[slug] = *src
		return
	}
	if *dst != *src {
		m.logger.Warn("device identity changed mid-session, ignoring",
			zap.String("field", slug),
			zap.String("known", *dst),
			zap.String("observed", *src))
	}
}

func merge[T comparable](dst **T, src *T, slug string, changes model.ChangeSet) {
	if src == nil {
		return
	}
	if *dst != nil && **dst == *src {
		return
	}
	v := *src
	*dst = &v
	changes[slug] = v
}

// mergeFaults inserts records not seen before, keeps the ring ordered
// most-recent-first and bounded, and returns how many were new.
func mergeFaults(st *model.MowerState, faults []model.FaultRecord) int {
	added := 0
	for _, fault := range faults {
		if hasFault(st.RecentFaults, fault) {
			continue
		}
		st.RecentFaults = append(st.RecentFaults, fault)
		added++
	}
	if added == 0 {
		return 0
	}
	st.FaultCount += added
	sort.SliceStable(st.RecentFaults, func(i, j int) bool {
		return st.RecentFaults[i].OccurredAt.After(st.RecentFaults[j].OccurredAt)
	})
	if len(st.RecentFaults) > maxRecentFaults {
		st.RecentFaults = st.RecentFaults[:maxRecentFaults]
	}
	return added
}

func hasFault(records []model.FaultRecord, fault model.FaultRecord) bool {
	for _, rec := range records {
		if rec.Code == fault.Code && rec.OccurredAt.Equal(fault.OccurredAt) {
			return true
		}
	}
	return false
}

func cloneState(st model.MowerState) model.MowerState {
	out := st
	out.BatteryPercent = clonePtr(st.BatteryPercent)
	out.IsCharging = clonePtr(st.IsCharging)
	out.SignalType = clonePtr(st.SignalType)
	out.WorkingHours = clonePtr(st.WorkingHours)
	out.RainDelayMinutes = clonePtr(st.RainDelayMinutes)
	out.BoundaryTrimming = clonePtr(st.BoundaryTrimming)
	out.UltrasonicEnabled = clonePtr(st.UltrasonicEnabled)
	out.RecentFaults = append([]model.FaultRecord(nil), st.RecentFaults...)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
