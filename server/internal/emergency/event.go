package emergency

import (
	"time"

	"vigilance-ai/server/internal/model"
)

// EventKind 紧急事件的状态流转类型。
type EventKind string

const (
	EventTriggered EventKind = "triggered"
	EventContacted EventKind = "contacted"
	EventConfirmed EventKind = "confirmed"
	EventCancelled EventKind = "cancelled"
)

// Event 是写入日志/广播给外部的一次状态流转。
type Event struct {
	Kind       EventKind                 `json:"kind"`
	VehicleID  string                    `json:"vehicle_id,omitempty"`
	Activation model.EmergencyActivation `json:"activation"`
	At         time.Time                 `json:"at"`
}
