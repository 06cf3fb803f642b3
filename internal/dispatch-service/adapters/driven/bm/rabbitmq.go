package bm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"roadside/internal/config"
	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/ports"
	"roadside/internal/mylogger"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchange       = "dispatch_topic"
	reconnInterval = 10
)

// settlementMessage is the payload the payment sink consumes for each
// completed job.
type settlementMessage struct {
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	MechanicID  string    `json:"mechanic_id"`
	ProblemType string    `json:"problem_type"`
	ActualCost  float64   `json:"actual_cost"`
	CompletedAt time.Time `json:"completed_at"`
}

// statusMessage mirrors a lifecycle transition for external consumers.
type statusMessage struct {
	RequestID string    `json:"request_id"`
	Seq       uint64    `json:"seq"`
	Status    string    `json:"status"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

type RabbitMQ struct {
	ctx          context.Context
	cfg          config.RabbitMqconfig
	mylog        mylogger.Logger
	conn         *amqp.Connection
	ch           *amqp.Channel
	reconnecting bool
	mu           *sync.Mutex
}

// New creates the RabbitMQ adapter.
func New(ctx context.Context, rabbitmqCfg config.RabbitMqconfig, mylog mylogger.Logger) (ports.ISettlementBroker, error) {
	r := &RabbitMQ{
		ctx:          ctx,
		cfg:          rabbitmqCfg,
		mylog:        mylog,
		mu:           &sync.Mutex{},
		reconnecting: false,
	}
	if err := r.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %v", err)
	}
	return r, nil
}

func (r *RabbitMQ) PublishSettlement(ctx context.Context, req model.Request) error {
	msg := settlementMessage{
		RequestID:   req.ID,
		UserID:      req.UserID,
		MechanicID:  req.MechanicID,
		ProblemType: req.ProblemType,
		ActualCost:  req.ActualCost,
		CompletedAt: req.UpdatedAt,
	}
	return r.publish(ctx, "request.settlement", msg)
}

func (r *RabbitMQ) PublishStatus(ctx context.Context, req model.Request, e model.Event) error {
	msg := statusMessage{
		RequestID: req.ID,
		Seq:       e.Seq,
		Status:    string(req.State),
		EventType: string(e.Type),
		Timestamp: e.At,
	}
	return r.publish(ctx, fmt.Sprintf("request.status.%s", req.State), msg)
}

func (r *RabbitMQ) publish(ctx context.Context, routingKey string, message any) error {
	mylog := r.mylog.Action("broker_publish")

	if r.conn.IsClosed() {
		mylog.Error("connection to rabbitmq is closed", fmt.Errorf("closed conn"))
		go r.reconnect(r.ctx)
		return errors.New("connection is closed")
	}

	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (r *RabbitMQ) IsAlive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil || r.conn.IsClosed() {
		return false
	}
	if r.ch == nil || r.ch.IsClosed() {
		return false
	}
	return true
}

func (r *RabbitMQ) Close() error {
	if r.ch != nil && !r.ch.IsClosed() {
		if err := r.ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %v", err)
		}
	}
	if r.conn != nil && !r.conn.IsClosed() {
		if err := r.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %v", err)
		}
	}
	return nil
}

func (r *RabbitMQ) connect() error {
	conn, err := amqp.Dial(fmt.Sprintf("amqp://%v:%v@%v:%v/%v",
		r.cfg.User,
		r.cfg.Password,
		r.cfg.Host,
		r.cfg.Port,
		r.cfg.VHost,
	))
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		return err
	}
	r.conn = conn
	r.ch = ch
	return nil
}

func (r *RabbitMQ) reconnect(ctx context.Context) {
	r.mu.Lock()
	if r.reconnecting {
		r.mu.Unlock()
		return
	}
	r.reconnecting = true
	r.mu.Unlock()

	t := time.NewTicker(time.Second * reconnInterval)
	mylog := r.mylog.Action("mb_reconnecting")

	for {
		select {
		case <-t.C:
			if err := r.connect(); err == nil {
				t.Stop()
				mylog.Action("mb_reconnection_completed").Info("Successfully reconnected!")
				r.mu.Lock()
				r.reconnecting = false
				r.mu.Unlock()
				return
			}
			mylog.Info("rabbitmq failed to reconnect")

		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}
