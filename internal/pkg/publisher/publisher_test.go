package publisher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenfeld/cloudhawk-integration/internal/pkg/model"
)

type flakyAdapter struct {
	failures int
	calls    []model.ChangeSet
}

func (f *flakyAdapter) PublishChanges(_ context.Context, _ string, changes model.ChangeSet) error {
	f.calls = append(f.calls, changes)
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	return nil
}

func (f *flakyAdapter) PublishAvailability(context.Context, string, bool) error {
	return nil
}

func (f *flakyAdapter) RegisterDevice(*model.Device) error {
	return nil
}

// A value the broker never accepted must be retried on the next change set,
// not swallowed until the sensor happens to change again.
func TestPublishChanges_FailedDeliveryIsRetried(t *testing.T) {
	adapter := &flakyAdapter{failures: 1}
	require.NoError(t, RegisterPublisher("flaky-retry", adapter))
	device := &model.Device{Address: "11:22:33:44:55:66", Model: "CloudHawk Retry"}

	changes := model.ChangeSet{model.SlugBatteryPercent: 64}

	require.NoError(t, PublishChanges(context.Background(), device, changes))
	require.Len(t, adapter.calls, 1)

	// Second attempt carries the same value again because the first never
	// reached the broker.
	require.NoError(t, PublishChanges(context.Background(), device, changes))
	require.Len(t, adapter.calls, 2)
	assert.Equal(t, changes, adapter.calls[1])

	// Once delivered, the unchanged value is suppressed.
	require.NoError(t, PublishChanges(context.Background(), device, changes))
	assert.Len(t, adapter.calls, 2)
}

func TestPublishChanges_UnchangedValuesAreSuppressed(t *testing.T) {
	adapter := &flakyAdapter{}
	require.NoError(t, RegisterPublisher("flaky-suppress", adapter))
	device := &model.Device{Address: "66:55:44:33:22:11", Model: "CloudHawk Suppress"}

	require.NoError(t, PublishChanges(context.Background(), device, model.ChangeSet{
		model.SlugStatus:         "mowing",
		model.SlugBatteryPercent: 80,
	}))
	require.Len(t, adapter.calls, 1)

	require.NoError(t, PublishChanges(context.Background(), device, model.ChangeSet{
		model.SlugStatus:         "mowing",
		model.SlugBatteryPercent: 79,
	}))
	require.Len(t, adapter.calls, 2)
	assert.Equal(t, model.ChangeSet{model.SlugBatteryPercent: 79}, adapter.calls[1])
}
