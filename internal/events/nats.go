package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSConfig 描述事件发布使用的 NATS 连接。
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// NATSPublisher 把事件发布到 <prefix>.<event type> 主题。
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher 连接 NATS。
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL 不能为空")
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("taskpilot"))
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: normalizePrefix(cfg.SubjectPrefix)}, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "agent_events"
	}
	return prefix
}

// Subject 返回事件类型对应的主题。
func (p *NATSPublisher) Subject(typ Type) string {
	return p.prefix + "." + string(typ)
}

// Publish 实现 Publisher。
func (p *NATSPublisher) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	msg := nats.NewMsg(p.Subject(evt.Type))
	msg.Header.Set("Nats-Msg-Id", evt.ID)
	msg.Data = body
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("发布 NATS 事件失败: %w", err)
	}
	return nil
}

// Close 刷新缓冲并断开连接。
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Drain()
	return err
}
