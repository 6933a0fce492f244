package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// TurnEvent is published after every persisted turn.
type TurnEvent struct {
	SessionID     string    `json:"session_id"`
	CaseID        string    `json:"case_id"`
	UserID        string    `json:"user_id"`
	Turn          int       `json:"turn"`
	Phase         string    `json:"phase"`
	NextPhase     string    `json:"next_phase"`
	PhaseComplete bool      `json:"phase_complete"`
	Outcome       Outcome   `json:"outcome"`
	ToolsUsed     []string  `json:"tools_used,omitempty"`
	DegradedTiers []string  `json:"degraded_tiers,omitempty"`
	Domain        string    `json:"domain"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher delivers turn events. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev TurnEvent) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, TurnEvent) error { return nil }
func (NoopPublisher) Close() error                             { return nil }

// NATSPublisher publishes events as JSON on "<prefix>.<session>.turns".
type NATSPublisher struct {
	conn     *nats.Conn
	prefix   string
	ownsConn bool
}

// NewNATSPublisher publishes on an existing connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) (*NATSPublisher, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if prefix == "" {
		prefix = "troubleshootd.sessions"
	}
	return &NATSPublisher{conn: nc, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

// ConnectNATSPublisher dials url. Close also closes the connection.
func ConnectNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("troubleshootd-events"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	p, err := NewNATSPublisher(nc, prefix)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.ownsConn = true
	return p, nil
}

// Subject returns the subject events of sessionID are published on.
func (p *NATSPublisher) Subject(sessionID string) string {
	return p.prefix + "." + subjectToken(sessionID) + ".turns"
}

func (p *NATSPublisher) Publish(ctx context.Context, ev TurnEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding turn event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.SessionID), data); err != nil {
		return fmt.Errorf("publishing turn event: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.ownsConn {
		return p.conn.Drain()
	}
	return nil
}

// subjectToken makes s safe as one NATS subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
