package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/greenfeld/cloudhawk-integration/internal/pkg/model"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/publisher"
)

// sensorMeta drives the Home Assistant discovery payload per sensor.
type sensorMeta struct {
	name        string
	unit        string
	deviceClass string
	icon        string
}

var sensorDefs = map[string]sensorMeta{
	model.SlugStatus:            {name: "Status", icon: "mdi:robot-mower"},
	model.SlugBatteryPercent:    {name: "Battery", unit: "%", deviceClass: "battery"},
	model.SlugIsCharging:        {name: "Charging", icon: "mdi:battery-charging"},
	model.SlugSignalType:        {name: "Signal Type", icon: "mdi:signal-variant"},
	model.SlugFirmwareVersion:   {name: "Firmware Version", icon: "mdi:chip"},
	model.SlugSerialNumber:      {name: "Serial Number", icon: "mdi:identifier"},
	model.SlugWorkingHours:      {name: "Working Hours", unit: "h", icon: "mdi:timer-outline"},
	model.SlugRainDelayMinutes:  {name: "Rain Delay", unit: "min", icon: "mdi:weather-rainy"},
	model.SlugFaultCount:        {name: "Fault Count", icon: "mdi:alert-circle-outline"},
	model.SlugBoundaryTrimming:  {name: "Boundary Trimming", icon: "mdi:scissors-cutting"},
	model.SlugUltrasonicEnabled: {name: "Ultrasonic Sensor", icon: "mdi:leak"},
}

func (s *service) PublishChanges(ctx context.Context, identifier string, changes model.ChangeSet) error {
	for sensorSlug, value := range changes {
		if _, known := sensorDefs[sensorSlug]; !known {
			continue
		}
		if err := s.publishValue(identifier, sensorSlug, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) PublishAvailability(ctx context.Context, identifier string, online bool) error {
	topic := fmt.Sprintf("homeassistant/sensor/%s/availability", identifier)
	payload := "offline"
	if online {
		payload = "online"
	}
	token := s.client.Publish(topic, 1, true, payload)
	if res := token.WaitTimeout(time.Second * 5); !res {
		return token.Error()
	}
	return token.Error()
}

// RegisterDevice publishes one retained discovery config per sensor so
// Home Assistant materialises the entities without manual setup.
func (s *service) RegisterDevice(device *model.Device) error {
	identifier := publisher.Identifier(device)
	if _, exists := s.configuredDevices[identifier]; exists {
		return nil
	}

	for sensorSlug, meta := range sensorDefs {
		registerMessage := registerMsg(device, identifier, sensorSlug, meta)
		topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", identifier, sensorSlug)

		payload, err := json.Marshal(registerMessage)
		if err != nil {
			return err
		}
		token := s.client.Publish(topic, 1, true, payload)
		if err := token.Error(); err != nil {
			return err
		}
		if res := token.WaitTimeout(time.Second * 5); !res {
			return fmt.Errorf("timed out registering sensor %s", sensorSlug)
		}
	}
	s.configuredDevices[identifier] = struct{}{}
	return nil
}

func (s *service) publishValue(identifier, sensorSlug string, value any) error {
	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/state", identifier, sensorSlug)

	payload := map[string]string{
		"value": fmt.Sprint(value),
	}
	if meta, ok := sensorDefs[sensorSlug]; ok && meta.unit != "" {
		payload["unit_of_measurement"] = meta.unit
	}

	publishData, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	token := s.client.Publish(topic, 0, false, publishData)
	if res := token.WaitTimeout(time.Second * 10); res {
		return nil
	}
	return token.Error()
}

func registerMsg(device *model.Device, identifier, sensorSlug string, meta sensorMeta) model.RegisterMessage {
	deviceName := device.Name
	if deviceName == "" {
		deviceName = fmt.Sprintf("%s %s", device.Model, device.Address)
	}

	return model.RegisterMessage{
		Tilda:             fmt.Sprintf("homeassistant/sensor/%s/%s", identifier, sensorSlug),
		Name:              fmt.Sprintf("%s %s", deviceName, meta.name),
		ID:                fmt.Sprintf("%s_%s", identifier, sensorSlug),
		StateTopic:        "~/state",
		AvailabilityTopic: fmt.Sprintf("homeassistant/sensor/%s/availability", identifier),
		UnitOfMeasurement: meta.unit,
		DeviceClass:       meta.deviceClass,
		Icon:              meta.icon,
		Device: model.RegisterDevice{
			Name:         deviceName,
			Identifiers:  []string{identifier},
			Model:        device.Model,
			Manufacturer: "CloudHawk",
		},
	}
}
