// 文件: pkg/nats/client.go
// NATS 客户端
//
// 【用途】
// - 订阅外部价格 tick / 成交事件
// - 发布结算审计事件
// - 条件单触发后通过 request/reply 交给撮合侧执行

package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"max.com/perprisk/pkg/logger"
)

// MessageHandler 消息处理函数
type MessageHandler func(subject string, data []byte) error

// RequestHandler 请求处理函数，返回值作为 reply
type RequestHandler func(subject string, data []byte) (any, error)

// Client NATS 连接
type Client struct {
	conn *nats.Conn
	subs []*nats.Subscription
}

// Connect 建立连接，断线自动重连
func Connect(url, name string) (*Client, error) {
	log := logger.Component("NATS")
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Conn 底层连接
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Publish JSON 发布
func (c *Client) Publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// PublishRaw 发布原始消息
func (c *Client) PublishRaw(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe 订阅主题，处理错误只记日志
func (c *Client) Subscribe(handler MessageHandler, subjects ...string) error {
	for _, subject := range subjects {
		sub, err := c.conn.Subscribe(subject, c.wrap(handler))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

// QueueSubscribe 队列订阅 (多实例负载均衡)
func (c *Client) QueueSubscribe(subject, queue string, handler MessageHandler) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, c.wrap(handler))
	if err != nil {
		return fmt.Errorf("queue subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	return nil
}

func (c *Client) wrap(handler MessageHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if err := handler(msg.Subject, msg.Data); err != nil {
			logger.Component("NATS").WithError(err).WithField("subject", msg.Subject).Warn("handle message failed")
		}
	}
}

// Request JSON request/reply
func (c *Client) Request(ctx context.Context, subject string, req, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	return json.Unmarshal(msg.Data, resp)
}

// Respond 注册 request/reply 服务端
func (c *Client) Respond(subject string, handler RequestHandler) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		out, err := handler(msg.Subject, msg.Data)
		if err != nil {
			logger.Component("NATS").WithError(err).WithField("subject", msg.Subject).Warn("handle request failed")
			return
		}
		data, err := json.Marshal(out)
		if err != nil {
			return
		}
		_ = msg.Respond(data)
	})
	if err != nil {
		return fmt.Errorf("respond %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Close 退订并关闭，未发送的消息先 flush
func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	_ = c.conn.Drain()
}

// =============================================================================
// 便捷方法
// =============================================================================

// UnmarshalJSON 反序列化 JSON
func UnmarshalJSON[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
