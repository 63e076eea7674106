package realtime

import "time"

// HealthChannel carries registry health transitions to subscribers.
const HealthChannel = "system.health"

// HealthEvent is the payload broadcast on health transitions.
type HealthEvent struct {
	Service    string    `json:"service"`
	InstanceID string    `json:"instanceId"`
	Healthy    bool      `json:"healthy"`
	At         time.Time `json:"at"`
}

// HealthNotifier bridges registry health transitions onto the
// system.health channel. Its Notify method matches the prober's status
// change callback.
type HealthNotifier struct {
	hub *Hub
}

// NewHealthNotifier creates a notifier publishing into the hub.
func NewHealthNotifier(hub *Hub) *HealthNotifier {
	return &HealthNotifier{hub: hub}
}

// Notify broadcasts one health transition.
func (n *HealthNotifier) Notify(serviceName, instanceID string, healthy bool) {
	n.hub.Broadcast(HealthChannel, HealthEvent{
		Service:    serviceName,
		InstanceID: instanceID,
		Healthy:    healthy,
		At:         time.Now().UTC(),
	})
}
