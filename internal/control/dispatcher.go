// Package control 实现宿主与缓存引擎之间的带外命令通道。
// 每条消息携带自己的回复通道，由单个分发协程恰好消费一次。
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// Type 是命令类型。
type Type string

const (
	TypeActivateNow    Type = "ActivateNow"
	TypeDescribeStores Type = "DescribeStores"
	TypeClearStores    Type = "ClearStores"
)

var (
	// ErrUnknownCommand 表示命令类型不受支持，回复中仍带有显式错误字段。
	ErrUnknownCommand = errors.New("unknown control command")
	// ErrClosed 表示分发协程已退出。
	ErrClosed = errors.New("control channel closed")
)

// Reply 直接序列化为 JSON 回复体。
type Reply map[string]interface{}

// Message 是一次命令投递。
type Message struct {
	Type  Type
	Reply chan<- Reply
}

// Activator 由生命周期管理器实现。
type Activator interface {
	SkipWaiting(ctx context.Context) error
}

// Dispatcher 持有命令队列，Serve 必须在独立协程中运行。
type Dispatcher struct {
	registry  cache.Registry
	activator Activator
	logger    *logrus.Logger

	messages chan Message
	done     chan struct{}
}

// NewDispatcher 创建分发器。
func NewDispatcher(registry cache.Registry, activator Activator, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		registry:  registry,
		activator: activator,
		logger:    logger,
		messages:  make(chan Message),
		done:      make(chan struct{}),
	}
}

// Serve 逐条处理消息，直到 ctx 结束。
func (d *Dispatcher) Serve(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.messages:
			reply := d.handle(ctx, msg.Type)
			if msg.Reply != nil {
				msg.Reply <- reply
			}
		}
	}
}

// Send 投递命令并等待回复。未知命令返回带 error 字段的回复以及 ErrUnknownCommand。
func (d *Dispatcher) Send(ctx context.Context, typ Type) (Reply, error) {
	replyCh := make(chan Reply, 1)
	select {
	case d.messages <- Message{Type: typ, Reply: replyCh}:
	case <-d.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-replyCh:
		if !Known(typ) {
			return reply, ErrUnknownCommand
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Known 判断命令类型是否受支持。
func Known(typ Type) bool {
	switch typ {
	case TypeActivateNow, TypeDescribeStores, TypeClearStores:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) handle(ctx context.Context, typ Type) Reply {
	fields := logging.BaseFields("control_"+string(typ), "")
	switch typ {
	case TypeActivateNow:
		if err := d.activator.SkipWaiting(ctx); err != nil {
			d.logger.WithFields(fields).WithError(err).Warn("ActivateNow 失败")
			return Reply{"success": false, "error": err.Error()}
		}
		d.logger.WithFields(fields).Info("已处理 ActivateNow")
		return Reply{"success": true}
	case TypeDescribeStores:
		reply, err := d.describe(ctx)
		if err != nil {
			d.logger.WithFields(fields).WithError(err).Warn("DescribeStores 失败")
			return Reply{"error": "describe_failed"}
		}
		return reply
	case TypeClearStores:
		if err := d.clear(ctx); err != nil {
			d.logger.WithFields(fields).WithError(err).Warn("ClearStores 失败")
			return Reply{"success": false}
		}
		d.logger.WithFields(fields).Info("已清空全部缓存")
		return Reply{"success": true}
	default:
		d.logger.WithFields(fields).Warn("未知控制命令")
		return Reply{"error": "unknown_command", "type": string(typ)}
	}
}

func (d *Dispatcher) describe(ctx context.Context) (Reply, error) {
	names, err := d.registry.Names(ctx)
	if err != nil {
		return nil, err
	}
	reply := Reply{"storeCount": len(names)}
	for _, name := range names {
		store, err := d.registry.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		count, err := store.Len(ctx)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		reply[name] = count
	}
	return reply, nil
}

func (d *Dispatcher) clear(ctx context.Context) error {
	names, err := d.registry.Names(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if _, err := d.registry.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
