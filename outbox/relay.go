package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"creditcore/job"
)

// Publisher delivers outbox events to an external broker. Delivery is at least once.
type Publisher interface {
	Publish(ctx context.Context, ev PersistentEvent) error
}

// AMQPPublisher publishes events to a durable topic exchange, routed by message type.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *slog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("outbox: parse amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("outbox: amqp url scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

func NewAMQPPublisher(amqpURL, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	clean, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(clean, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("outbox: dial amqp: %w", err)
	}
	p := &AMQPPublisher{conn: conn, exchange: exchange, logger: logger}
	if err := p.reopen(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) reopen() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("outbox: open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("outbox: declare exchange %s: %w", p.exchange, err)
	}
	p.channel = ch
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev PersistentEvent) error {
	if ev.IsPlaceholder() {
		return nil
	}

	headers := amqp091.Table{}
	for k, v := range ev.TracingContext {
		headers[k] = v
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    strconv.FormatInt(int64(ev.Sequence), 10),
		Timestamp:    ev.RecordedAt,
		Type:         ev.Message.Type,
		Headers:      headers,
		Body:         ev.Message.Payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.channel.PublishWithContext(ctx, p.exchange, ev.Message.Type, false, false, msg)
	if err == nil {
		return nil
	}
	p.logger.Warn("amqp publish failed, reopening channel", "exchange", p.exchange, "sequence", ev.Sequence, "error", err)
	if rerr := p.reopen(); rerr != nil {
		return errors.Join(err, rerr)
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, ev.Message.Type, false, false, msg); err != nil {
		return fmt.Errorf("outbox: publish %d: %w", ev.Sequence, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// Relay forwards every outbox event to a Publisher in sequence order.
type Relay struct {
	src       Source
	publisher Publisher
	logger    *slog.Logger
	opts      []ListenerOption
}

func NewRelay(src Source, publisher Publisher, logger *slog.Logger, opts ...ListenerOption) *Relay {
	return &Relay{src: src, publisher: publisher, logger: logger, opts: opts}
}

// Run publishes events after from until stop is closed, ctx is done or publishing fails.
// checkpoint is called with the sequence of each event once it was published or skipped. An
// event being published when stop closes is still published and checkpointed.
func (r *Relay) Run(ctx context.Context, stop <-chan struct{}, from Sequence, checkpoint func(context.Context, Sequence) error) error {
	l := NewListener(r.src, from, r.opts...)
	for {
		ev, err := l.NextUntil(ctx, stop)
		if err != nil {
			return err
		}
		if !ev.IsPlaceholder() {
			if err := r.publisher.Publish(ctx, ev); err != nil {
				return fmt.Errorf("outbox: relay %d: %w", ev.Sequence, err)
			}
			r.logger.Debug("outbox event relayed", "sequence", ev.Sequence, "type", ev.Message.Type)
		}
		if err := checkpoint(ctx, ev.Sequence); err != nil {
			return err
		}
	}
}

const RelayJobType job.Type = "outbox-relay"

// RelayJobConfig configures the singleton job that runs the relay.
type RelayJobConfig struct{}

func (RelayJobConfig) JobType() job.Type { return RelayJobType }

type relayState struct {
	Sequence Sequence `json:"sequence"`
}

// RelayJobInitializer runs a Relay as a job, checkpointing its cursor in the job execution state
// so a restarted relay resumes after the last published event.
type RelayJobInitializer struct {
	relay *Relay
}

func NewRelayJobInitializer(relay *Relay) *RelayJobInitializer {
	return &RelayJobInitializer{relay: relay}
}

func (i *RelayJobInitializer) Type() job.Type { return RelayJobType }

func (i *RelayJobInitializer) RetryPolicy() job.RetryPolicy {
	return job.RepeatIndefinitely(time.Second, time.Minute)
}

func (i *RelayJobInitializer) Init(*job.Job) (job.Runner, error) {
	return job.RunnerFunc(func(ctx context.Context, current *job.CurrentJob) (job.Completion, error) {
		var state relayState
		if _, err := current.ExecutionState(&state); err != nil {
			return job.Completion{}, err
		}
		err := i.relay.Run(ctx, current.ShutdownRequested(), state.Sequence, func(ctx context.Context, seq Sequence) error {
			return current.UpdateExecutionState(ctx, nil, relayState{Sequence: seq})
		})
		return job.Completion{}, err
	}), nil
}

// ParkedRelayJobInitializer claims relay jobs while no broker is configured and puts them back
// without publishing. The saved cursor is left as it was, so a later run with a broker resumes
// where relaying stopped.
type ParkedRelayJobInitializer struct {
	interval time.Duration
}

func NewParkedRelayJobInitializer(interval time.Duration) *ParkedRelayJobInitializer {
	return &ParkedRelayJobInitializer{interval: interval}
}

func (i *ParkedRelayJobInitializer) Type() job.Type { return RelayJobType }

func (i *ParkedRelayJobInitializer) RetryPolicy() job.RetryPolicy {
	return job.RepeatIndefinitely(i.interval, i.interval)
}

func (i *ParkedRelayJobInitializer) Init(*job.Job) (job.Runner, error) {
	return job.RunnerFunc(func(context.Context, *job.CurrentJob) (job.Completion, error) {
		return job.RescheduleAt(time.Now().Add(i.interval)), nil
	}), nil
}
