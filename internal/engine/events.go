package engine

import (
	"sync/atomic"
	"time"
)

// EventType 状态推送类型。
type EventType string

const (
	EventStatus         EventType = "status"
	EventCycle          EventType = "cycle"
	EventProposal       EventType = "proposal"
	EventContractOpened EventType = "contract_opened"
	EventContractClosed EventType = "contract_closed"
	EventStrategy       EventType = "strategy"
	EventEmergencyStop  EventType = "emergency_stop"
)

// Event 是推送给控制面的一条状态消息。
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// eventBus 有界出站通道：缓冲区满时丢弃最旧的一条，发送方永不阻塞。
type eventBus struct {
	ch      chan Event
	dropped atomic.Uint64
	onDrop  func()
}

func newEventBus(size int, onDrop func()) *eventBus {
	if size <= 0 {
		size = 64
	}
	return &eventBus{ch: make(chan Event, size), onDrop: onDrop}
}

func (b *eventBus) publish(ev Event) {
	for {
		select {
		case b.ch <- ev:
			return
		default:
		}
		select {
		case <-b.ch:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		default:
		}
	}
}

func (b *eventBus) Dropped() uint64 { return b.dropped.Load() }
