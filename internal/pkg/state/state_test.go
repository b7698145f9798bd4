package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenfeld/cloudhawk-integration/internal/pkg/model"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/protocol"
)

func dockedFrame(t *testing.T) *protocol.Frame {
	t.Helper()
	frame, err := protocol.Decode([]byte{0x55, 0xAA, 0x08, 0x80, 0x83, 0x01, 0x00, 0xCE, 0x64, 0x00, 0x04, 0x41})
	require.NoError(t, err)
	return frame
}

func TestApply_Idempotent(t *testing.T) {
	m := New()
	frame := dockedFrame(t)

	first := m.Apply(frame)
	assert.Equal(t, "docked", first[model.SlugStatus])
	assert.Equal(t, 100, first[model.SlugBatteryPercent])
	assert.Equal(t, true, first[model.SlugIsCharging])

	second := m.Apply(frame)
	assert.Empty(t, second, "re-applying the same frame must change nothing")

	snap := m.Snapshot()
	assert.Equal(t, model.StatusDocked, snap.Status)
	require.NotNil(t, snap.BatteryPercent)
	assert.Equal(t, 100, *snap.BatteryPercent)
}

func TestApply_PartialMergeNeverRegresses(t *testing.T) {
	m := New()
	m.Apply(dockedFrame(t))

	// A terse status frame carries no battery info.
	idle, err := protocol.Decode([]byte{0x55, 0xAA, 0x03})
	require.NoError(t, err)
	changes := m.Apply(idle)

	assert.Equal(t, "idle", changes[model.SlugStatus])
	_, batteryChanged := changes[model.SlugBatteryPercent]
	assert.False(t, batteryChanged)

	snap := m.Snapshot()
	assert.Equal(t, model.StatusIdle, snap.Status)
	require.NotNil(t, snap.BatteryPercent, "battery must survive frames that omit it")
	assert.Equal(t, 100, *snap.BatteryPercent)
}

func TestApply_RefreshesLastUpdatedAtEvenWithoutChanges(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New(WithClock(func() time.Time { return now }))
	frame := dockedFrame(t)

	m.Apply(frame)
	first := m.LastUpdatedAt()

	now = now.Add(3 * time.Second)
	m.Apply(frame)
	assert.True(t, m.LastUpdatedAt().After(first))
}

func TestReset_ClearsEverything(t *testing.T) {
	m := New()
	m.Apply(dockedFrame(t))
	m.Reset()

	snap := m.Snapshot()
	assert.Equal(t, model.StatusUnknown, snap.Status)
	assert.Nil(t, snap.BatteryPercent)
	assert.Nil(t, snap.IsCharging)
	assert.Nil(t, snap.SignalType)
	assert.Nil(t, snap.WorkingHours)
	assert.Nil(t, snap.RainDelayMinutes)
	assert.Nil(t, snap.BoundaryTrimming)
	assert.Nil(t, snap.UltrasonicEnabled)
	assert.Empty(t, snap.FirmwareVersion)
	assert.Empty(t, snap.SerialNumber)
	assert.Zero(t, snap.FaultCount)
	assert.Empty(t, snap.RecentFaults)
	assert.True(t, snap.LastUpdatedAt.IsZero())
}

func TestApply_IdentitySetOnce(t *testing.T) {
	m := New()

	changes := m.Apply(&protocol.Frame{SerialNumber: lo.ToPtr("SN0190104721")})
	assert.Equal(t, "SN0190104721", changes[model.SlugSerialNumber])

	changes = m.Apply(&protocol.Frame{SerialNumber: lo.ToPtr("SN9999999999")})
	assert.Empty(t, changes, "serial must be immutable once observed")
	assert.Equal(t, "SN0190104721", m.Snapshot().SerialNumber)
}

func TestApply_FaultRingBoundedAndDeduplicated(t *testing.T) {
	m := New()
	base := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 14; i++ {
		m.Apply(&protocol.Frame{Faults: []model.FaultRecord{{
			OccurredAt: base.Add(time.Duration(i) * time.Hour),
			Code:       byte(i),
		}}})
	}
	// Replay an already-known record.
	changes := m.Apply(&protocol.Frame{Faults: []model.FaultRecord{{
		OccurredAt: base.Add(13 * time.Hour),
		Code:       13,
	}}})
	assert.Empty(t, changes)

	snap := m.Snapshot()
	assert.Equal(t, 14, snap.FaultCount)
	require.Len(t, snap.RecentFaults, 10)
	assert.Equal(t, byte(13), snap.RecentFaults[0].Code, "most recent first")
	assert.Equal(t, byte(4), snap.RecentFaults[9].Code, "oldest dropped")
}

func TestSubscribe_DeliversEveryApply(t *testing.T) {
	m := New()
	ch, cancel := m.Subscribe()
	defer cancel()

	frame := dockedFrame(t)
	m.Apply(frame)
	m.Apply(frame)

	first := <-ch
	assert.NotEmpty(t, first)
	second := <-ch
	assert.Empty(t, second, "repeat frames still produce an apply event")
}

func TestSnapshot_IsACopy(t *testing.T) {
	m := New()
	m.Apply(dockedFrame(t))

	snap := m.Snapshot()
	*snap.BatteryPercent = 1
	snap.RecentFaults = append(snap.RecentFaults, model.FaultRecord{Code: 0xFF})

	fresh := m.Snapshot()
	assert.Equal(t, 100, *fresh.BatteryPercent)
	assert.NotContains(t, fmt.Sprint(fresh.RecentFaults), "255")
}
