package queue

import (
	"context"
	"sync"

	"github.com/packrat-io/packrat/pkg/log"
)

// Handler consumes one queued message
type Handler func(ctx context.Context, msg []byte)

// Memory is a buffered channel-backed queue with an in-process consumer
// loop. It is the reference adapter (QUEUE_DRIVER=memory); broker-backed
// adapters implement the same interface.
type Memory struct {
	ch      chan []byte
	handler Handler
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewMemory creates a queue buffering up to size messages and starts the
// consumer loop
func NewMemory(size int, handler Handler) *Memory {
	if size <= 0 {
		size = 256
	}
	m := &Memory{
		ch:      make(chan []byte, size),
		handler: handler,
		stopCh:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Memory) run() {
	defer m.wg.Done()
	logger := log.WithComponent("queue")
	for {
		select {
		case msg := <-m.ch:
			m.handler(context.Background(), msg)
		case <-m.stopCh:
			// Drain what is already buffered before exiting
			for {
				select {
				case msg := <-m.ch:
					m.handler(context.Background(), msg)
				default:
					logger.Debug().Msg("queue consumer stopped")
					return
				}
			}
		}
	}
}

func (m *Memory) Send(ctx context.Context, msg []byte) error {
	select {
	case <-m.stopCh:
		return ErrClosed
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) SendBatch(ctx context.Context, msgs [][]byte) error {
	for _, msg := range msgs {
		if err := m.Send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts down the consumer loop after draining buffered messages
func (m *Memory) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
