// Package bus is a thin NATS wrapper carrying JSON signal envelopes.
// It is the event intake for the router; request/response surfaces are
// owned by the application boundary, not by this package.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/signalmesh/signalmesh/core/fault"
	"github.com/signalmesh/signalmesh/core/infra/logging"
)

// SignalEnvelope is the wire form of a raw signal submitted for ingestion.
type SignalEnvelope struct {
	TenantID string          `json:"tenant_id"`
	Source   string          `json:"source"`
	Payload  json.RawMessage `json:"payload"`
	SentAt   time.Time       `json:"sent_at,omitempty"`
}

// SubjectForSource builds the ingest subject for a signal source.
func SubjectForSource(source string) string {
	return "signal.ingest." + source
}

// SubjectIngestAll subscribes to every ingest source.
const SubjectIngestAll = "signal.ingest.>"

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSAckWait    = "NATS_JS_ACK_WAIT"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	defaultAckWait = 5 * time.Minute
	defaultMaxAge  = 7 * 24 * time.Hour

	streamSignals = "SIGNALMESH_SIGNALS"
)

var (
	errNilBus       = errors.New("nats bus not initialized")
	errNilEnvelope  = errors.New("nil signal envelope")
	errEmptySubject = errors.New("empty subject")
)

// NatsBus wraps a NATS connection that speaks JSON signal envelopes.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("signalmesh-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// IsConnected reports NATS connectivity.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Publish sends a JSON-encoded envelope on the given subject. Durable
// subjects go through JetStream when it is enabled.
func (b *NatsBus) Publish(subject string, env *SignalEnvelope) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	if env == nil {
		return errNilEnvelope
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if b.jsEnabled && isDurableSubject(subject) {
		_, err = b.js.Publish(subject, data)
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a subscription that decodes envelopes and invokes
// the handler. With JetStream enabled, durable subjects get explicit
// ack/nak semantics: retryable handler errors are nak'd with their
// delay, everything else is ack'd after logging.
func (b *NatsBus) Subscribe(subject, queue string, handler func(*SignalEnvelope) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	if handler == nil {
		return errors.New("nil handler")
	}

	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) {
			var env SignalEnvelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				logging.Error("bus", "failed to unmarshal envelope", "error", err)
				_ = msg.Ack()
				return
			}
			if err := handler(&env); err != nil {
				if delay, ok := fault.RetryDelay(err); ok {
					if delay > 0 {
						_ = msg.NakWithDelay(delay)
					} else {
						_ = msg.Nak()
					}
					return
				}
				logging.Error("bus", "handler error (ack)", "subject", msg.Subject, "error", err)
				_ = msg.Ack()
				return
			}
			_ = msg.Ack()
		}

		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.MaxAckPending(1024),
		}
		if durable := durableName(subject, queue); durable != "" {
			opts = append(opts, nats.Durable(durable))
		}
		var err error
		if queue == "" {
			_, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			_, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
		return err
	}

	cb := func(msg *nats.Msg) {
		var env SignalEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			logging.Error("bus", "failed to unmarshal envelope", "error", err)
			return
		}
		if err := handler(&env); err != nil {
			logging.Error("bus", "handler error", "subject", msg.Subject, "error", err)
		}
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil {
		return
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envUseJetStream))) {
	case "1", "true", "yes", "on":
	default:
		return
	}
	ackWait := defaultAckWait
	if v := strings.TrimSpace(os.Getenv(envJSAckWait)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			ackWait = d
		}
	}
	maxAge := defaultMaxAge
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}

	js, err := b.nc.JetStream()
	if err != nil {
		logging.Warn("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "error", err)
		return
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamSignals,
		Subjects:   []string{"signal.>"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		if _, infoErr := js.StreamInfo(streamSignals); infoErr != nil {
			logging.Warn("bus", "jetstream ensure stream failed", "stream", streamSignals, "error", err)
			return
		}
	}

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	logging.Info("bus", "jetstream enabled", "ack_wait", fmt.Sprint(ackWait))
}

func isDurableSubject(subject string) bool {
	return strings.HasPrefix(subject, "signal.")
}

func durableName(subject, queue string) string {
	clean := func(s string) string {
		s = strings.ReplaceAll(s, ".", "_")
		s = strings.ReplaceAll(s, "*", "STAR")
		s = strings.ReplaceAll(s, ">", "GT")
		return strings.TrimSpace(s)
	}
	name := clean(subject)
	if name == "" {
		return ""
	}
	if q := clean(queue); q != "" {
		return "dur_" + q + "__" + name
	}
	return "dur_" + name
}
