package queue

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	ExchangeName = "ex.dispatch"
	QueueName    = "q.dispatch"
	DLQName      = "q.dispatch.dlq"
	DLXName      = "ex.dispatch.dlx"
	RoutingKey   = "k.dispatch"
)

// RabbitMQ is the durable job transport. Rejected deliveries go to the dead-letter queue.
type RabbitMQ struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
}

func NewRabbitMQ(url string, logger *zap.Logger) (*RabbitMQ, error) {
	if logger == nil {
		logger = zap.L()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, eris.Wrap(err, "queue: dial rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "queue: open channel")
	}

	if err := setupTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitMQ{conn: conn, ch: ch, logger: logger}, nil
}

func setupTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(DLXName, "direct", true, false, false, false, nil); err != nil {
		return eris.Wrap(err, "queue: declare dead-letter exchange")
	}
	if _, err := ch.QueueDeclare(DLQName, true, false, false, false, nil); err != nil {
		return eris.Wrap(err, "queue: declare dead-letter queue")
	}
	if err := ch.QueueBind(DLQName, RoutingKey, DLXName, false, nil); err != nil {
		return eris.Wrap(err, "queue: bind dead-letter queue")
	}

	if err := ch.ExchangeDeclare(ExchangeName, "direct", true, false, false, false, nil); err != nil {
		return eris.Wrap(err, "queue: declare exchange")
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    DLXName,
		"x-dead-letter-routing-key": RoutingKey,
	}
	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, args); err != nil {
		return eris.Wrap(err, "queue: declare queue")
	}
	if err := ch.QueueBind(QueueName, RoutingKey, ExchangeName, false, nil); err != nil {
		return eris.Wrap(err, "queue: bind queue")
	}
	return nil
}

func (r *RabbitMQ) Publish(ctx context.Context, job Job) error {
	body, err := encodeJob(job)
	if err != nil {
		return err
	}

	err = r.ch.PublishWithContext(ctx, ExchangeName, RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return eris.Wrap(err, "queue: publish")
	}
	return nil
}

// Consume acks handled jobs and dead-letters malformed or failed ones.
func (r *RabbitMQ) Consume(ctx context.Context, h Handler) error {
	if err := r.ch.Qos(1, 0, false); err != nil {
		return eris.Wrap(err, "queue: set qos")
	}
	msgs, err := r.ch.ConsumeWithContext(ctx, QueueName, "", false, false, false, false, nil)
	if err != nil {
		return eris.Wrap(err, "queue: register consumer")
	}

	r.logger.Info("queue: consuming", zap.String("queue", QueueName))
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return ErrClosed
			}
			r.deliver(ctx, d, h)
		}
	}
}

func (r *RabbitMQ) deliver(ctx context.Context, d amqp.Delivery, h Handler) {
	job, err := decodeJob(d.Body)
	if err != nil {
		r.logger.Warn("queue: rejecting malformed job", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	if err := h(ctx, job); err != nil {
		r.logger.Error("queue: job failed, dead-lettering",
			zap.String("lead_id", job.LeadID.String()),
			zap.String("trigger", string(job.Trigger)),
			zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func (r *RabbitMQ) Close() error {
	if err := r.ch.Close(); err != nil && !eris.Is(err, amqp.ErrClosed) {
		return eris.Wrap(err, "queue: close channel")
	}
	return r.conn.Close()
}
