package taskpipe

import "context"

// Event 原始事件投递的只读视图。
type Event struct {
	Queue    string
	Type     string
	Key      string
	Metadata map[string]string
	Payload  []byte
}

type Filter func(e Event) bool

// FilterByType 只接收指定类型的事件。
func FilterByType(types ...string) Filter {
	allow := make(map[string]struct{}, len(types))
	for _, t := range types {
		allow[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := allow[e.Type]
		return ok
	}
}

func eventOf(d Delivery) Event {
	return Event{Queue: d.Queue, Type: d.EventType(), Key: d.Key, Metadata: d.Headers, Payload: d.Body}
}

// NewEventSubscriber 只接收原始事件（忽略状态更新），filter 为空时全部接收。
func NewEventSubscriber(id string, filter Filter, handler func(context.Context, Event) error) Subscriber {
	return NewSubscriber(id, func(ctx context.Context, d Delivery) error {
		if d.Kind != DeliveryEvent {
			return nil
		}
		e := eventOf(d)
		if filter != nil && !filter(e) {
			return nil
		}
		return handler(ctx, e)
	})
}
