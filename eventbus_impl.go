package taskpipe

import (
	"context"
	"errors"
	"time"
)

// PublishEvent 以事件类型头广播到 e.Queue；语义同 BroadcastMessage。
func (p *pipeline) PublishEvent(ctx context.Context, e Event) (bool, error) {
	headers := copyHeaders(e.Metadata)
	if e.Type != "" {
		headers[headerEventType] = e.Type
	}
	return p.broadcast(ctx, e.Queue, e.Payload, headers, 0)
}

// BroadcastDelayed 在 delay 之后投递原始消息；语义同 BroadcastMessage。
func (p *pipeline) BroadcastDelayed(ctx context.Context, queue string, payload []byte, delay time.Duration) (bool, error) {
	return p.broadcast(ctx, queue, payload, map[string]string{}, delay)
}

// broadcast 解析句柄并发布原始事件；无可用句柄时返回 false 而非错误。
func (p *pipeline) broadcast(ctx context.Context, queue string, payload []byte, headers map[string]string, delay time.Duration) (bool, error) {
	if err := p.checkOpen(); err != nil {
		return false, err
	}
	h, err := p.handleFor(ctx, queue, "")
	if errors.Is(err, ErrNoHandle) {
		p.logger.Warn(ctx, "broadcast skipped: no handle", "queue", queue, "error", err.Error())
		return false, nil
	}
	if err != nil {
		return false, err
	}
	headers[headerKind] = DeliveryEvent.String()
	if err := h.PublishDelay(ctx, queue, payload, headers, delay); err != nil {
		return false, err
	}
	return true, nil
}
