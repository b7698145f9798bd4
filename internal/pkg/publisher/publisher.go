package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/greenfeld/cloudhawk-integration/internal/pkg/model"
)

var errAlreadyRegistered = errors.New("publisher already registered")

var (
	registeredPublishers = make(map[string]publisher)
	sensors              sync.Map
)

type publisher interface {
	// PublishChanges pushes the changed sensor values of one device to
	// the adapter.
	PublishChanges(ctx context.Context, identifier string, changes model.ChangeSet) error
	PublishAvailability(ctx context.Context, identifier string, online bool) error
	RegisterDevice(device *model.Device) error
}

func RegisterPublisher(name string, publisher publisher) error {
	if _, ok := registeredPublishers[name]; ok {
		return errAlreadyRegistered
	}
	registeredPublishers[name] = publisher
	return nil
}

// Identifier derives the stable per-device identifier used in topics and
// discovery payloads.
func Identifier(device *model.Device) string {
	return slug.Make(fmt.Sprintf("%s %s", device.Model, device.Address))
}

// PublishChanges fans one change set out to every registered adapter,
// skipping values that match what was last successfully published for the
// device. Values are remembered only once every adapter accepted them, so
// a broker hiccup cannot permanently suppress a reading.
func PublishChanges(ctx context.Context, device *model.Device, changes model.ChangeSet) error {
	identifier := Identifier(device)

	filtered := make(model.ChangeSet, len(changes))
	for sensorSlug, value := range changes {
		if !hasChanged(identifier, sensorSlug, fmt.Sprint(value)) {
			continue
		}
		filtered[sensorSlug] = value
	}
	if len(filtered) == 0 {
		return nil
	}

	delivered := true
	for name, publisher := range registeredPublishers {
		if err := publisher.PublishChanges(ctx, identifier, filtered); err != nil {
			zap.L().Error("failed to publish changes", zap.Error(err), zap.String("publisher", name))
			delivered = false
			continue
		}
		zap.L().Debug("updated sensors", zap.Int("count", len(filtered)), zap.String("publisher", name))
	}
	if delivered {
		for sensorSlug, value := range filtered {
			remember(identifier, sensorSlug, fmt.Sprint(value))
		}
	}
	return nil
}

// PublishAvailability reflects the link state (online while the
// supervisor holds a ready session).
func PublishAvailability(ctx context.Context, device *model.Device, online bool) error {
	identifier := Identifier(device)
	for name, publisher := range registeredPublishers {
		if err := publisher.PublishAvailability(ctx, identifier, online); err != nil {
			zap.L().Error("failed to publish availability", zap.Error(err), zap.String("publisher", name))
		}
	}
	return nil
}

func RegisterDevice(device *model.Device) error {
	for name, publisher := range registeredPublishers {
		if err := publisher.RegisterDevice(device); err != nil {
			zap.L().Error("failed to register device", zap.Error(err), zap.String("publisher", name))
			continue
		}
		zap.L().Debug("registered device", zap.String("device", device.Address), zap.String("publisher", name))
	}
	return nil
}

func hasChanged(identifier, sensorSlug, newValue string) bool {
	oldValue, exists := sensors.Load(sensorKey(identifier, sensorSlug))
	return !exists || newValue != oldValue.(string)
}

func remember(identifier, sensorSlug, newValue string) {
	key := sensorKey(identifier, sensorSlug)
	if _, exists := sensors.Load(key); !exists {
		zap.L().Info("configured sensor",
			zap.String("device", identifier),
			zap.String("sensor", sensorSlug),
			zap.String("value", newValue))
	}
	sensors.Store(key, newValue)
}

func sensorKey(identifier, sensorSlug string) string {
	return fmt.Sprintf("%s_%s", identifier, sensorSlug)
}
