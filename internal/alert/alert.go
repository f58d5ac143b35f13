package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"SirenServer/internal/logger"
)

type Severity string

const (
	// SeverityImmediate alerts page an operator now and are never deferred or suppressed.
	SeverityImmediate Severity = "immediate"
	SeverityWarning   Severity = "warning"
)

type Kind string

const (
	KindRecordingFailure  Kind = "recording_failure"
	KindSystemBroadcast   Kind = "system_broadcast"
	KindConsentMissing    Kind = "consent_missing"
	KindTransportLost     Kind = "transport_lost"
	KindEscalationAbandon Kind = "escalation_abandoned"
)

type Alert struct {
	Severity  Severity  `json:"severity"`
	Kind      Kind      `json:"kind"`
	SessionId string    `json:"session_id"`
	Message   string    `json:"message"`
	RaisedAt  time.Time `json:"raised_at"`
}

type Alerter interface {
	Raise(ctx context.Context, a Alert) error
}

// Publisher delivers an encoded alert to an external channel.
type Publisher interface {
	Publish(exchange string, body []byte) error
}

// Dispatcher logs every alert before publishing it, so a broken broker cannot swallow an immediate alert.
type Dispatcher struct {
	publisher Publisher
	exchange  string
	now       func() time.Time
}

func NewDispatcher(publisher Publisher, exchange string) *Dispatcher {
	return &Dispatcher{publisher: publisher, exchange: exchange, now: time.Now}
}

func (d *Dispatcher) Raise(_ context.Context, a Alert) error {
	if a.RaisedAt.IsZero() {
		a.RaisedAt = d.now()
	}
	entry := logger.Log.WithFields(logrus.Fields{
		"alert":      a.Kind,
		"severity":   a.Severity,
		"session_id": a.SessionId,
	})
	if a.Severity == SeverityImmediate {
		entry.Error("[ALERT] " + a.Message)
	} else {
		entry.Warn("[ALERT] " + a.Message)
	}

	if d.publisher == nil {
		return nil
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if err := d.publisher.Publish(d.exchange, body); err != nil {
		entry.WithError(err).Error("[ALERT] publish failed")
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
