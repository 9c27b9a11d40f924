package notify

import (
	"context"
	"fmt"
	"time"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/pkg/logger"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// SubjectCredited 入账成功事件的 subject
const SubjectCredited = "deposit.credited"

type publisher interface {
	Publish(subj string, data []byte) error
}

type NatsPublisher struct {
	nc   *nats.Conn
	conn publisher
}

var _ domain.Notifier = (*NatsPublisher)(nil)

func NewNatsPublisher(url string, name string) (*NatsPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1), // 一直重连
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NatsPublisher{nc: nc, conn: nc}, nil
}

func (p *NatsPublisher) PublishCredited(ctx context.Context, ev domain.CreditedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(SubjectCredited, payload); err != nil {
		return fmt.Errorf("publish %s: %w", SubjectCredited, err)
	}
	logger.Debug(ctx, "event published", zap.String("subject", SubjectCredited), zap.String("owner", ev.OwnerID))
	return nil
}

func (p *NatsPublisher) Close() error {
	if p.nc != nil {
		// 先把缓冲里的消息发完
		_ = p.nc.Drain()
		p.nc.Close()
	}
	return nil
}

// Noop 没有配置 NATS 时使用
type Noop struct{}

func (Noop) PublishCredited(context.Context, domain.CreditedEvent) error { return nil }
