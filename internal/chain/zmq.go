package chain

import (
	"context"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/qpow/pkg/log"
)

// TipTopic is the ZMQ topic the chain daemon publishes new best tips on.
const TipTopic = "hashtip"

// ZMQNotifier receives tip notifications from the chain daemon.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a SUB socket for endpoint.
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	if logger == nil {
		logger = log.Nop()
	}
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe subscribes to a topic.
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the endpoint.
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers messages to handler until ctx is done. It polls with a
// short timeout so cancellation is noticed without a busy loop.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)

	for {
		if err := ctx.Err(); err != nil {
			z.logger.Info("ZMQ listener stopping")
			return err
		}

		polled, err := poller.Poll(250 * time.Millisecond)
		if err != nil {
			z.logger.Error("ZMQ poll failed", "error", err)
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}
		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		if err := handler(topic, msg[1]); err != nil {
			z.logger.Error("failed to handle ZMQ message", "topic", topic, "error", err)
		}
	}
}

// Tips subscribes to TipTopic and streams decoded tips until ctx is done.
// The returned channel is closed when listening stops.
func (z *ZMQNotifier) Tips(ctx context.Context) (<-chan Tip, error) {
	if err := z.Subscribe(TipTopic); err != nil {
		return nil, err
	}
	if err := z.Connect(); err != nil {
		return nil, err
	}

	out := make(chan Tip, 16)
	go func() {
		defer close(out)
		_ = z.Listen(ctx, func(topic string, data []byte) error {
			if topic != TipTopic {
				return nil
			}
			tip, err := DecodeTip(data)
			if err != nil {
				return err
			}
			z.logger.Debug("new tip notification", "hash", tip.Hash.String(), "height", tip.Height)
			select {
			case out <- tip:
			case <-ctx.Done():
			}
			return nil
		})
	}()
	return out, nil
}

// Close closes the socket.
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}
