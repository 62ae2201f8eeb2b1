package integration

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/pioneer-wyt/wyt-bridge/internal/thermostat"
)

// Publisher forwards thermostat updates to NATS so other home-automation
// consumers can react without polling the bridge.
type Publisher struct {
	nc       *nats.Conn
	deviceID string
}

// NewPublisher connects to NATS. Attach then forwards a controller's
// update stream onto wyt.<deviceId>.* subjects.
func NewPublisher(url, deviceID string, maxReconnects int, reconnectWait time.Duration) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{nc: nc, deviceID: deviceID}, nil
}

// Attach registers the publisher on a controller's update stream.
func (p *Publisher) Attach(ctrl *thermostat.Controller) {
	ctrl.Subscribe(p.handleUpdate)
}

func (p *Publisher) handleUpdate(u thermostat.Update) {
	subject := fmt.Sprintf("wyt.%s.dps.%s", p.deviceID, u.Attribute)
	if u.Attribute == "online" {
		subject = fmt.Sprintf("wyt.%s.presence", p.deviceID)
	}

	payload, err := json.Marshal(map[string]any{
		"device_id": p.deviceID,
		"attribute": u.Attribute,
		"value":     u.Value,
		"time":      time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := p.nc.Publish(subject, payload); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("publish update failed")
	}
}

// Close closes the connection.
func (p *Publisher) Close() {
	p.nc.Close()
}
