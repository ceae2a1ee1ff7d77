// Package channel contains the provider connectors used to deliver
// collection messages over email, chat and voice.
package channel

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
)

// Provider statuses returned in Result.Status.
const (
	StatusSent      = "sent"
	StatusQueued    = "queued"
	StatusInitiated = "initiated"
)

// OutboundMessage is what a connector delivers.
type OutboundMessage struct {
	TenantID    uuid.UUID
	JobID       uuid.UUID
	Destination string
	Subject     string
	Text        string
}

// Result is the provider's acknowledgement of a send.
type Result struct {
	ExternalID string
	Status     string
}

// Connector sends a message over one channel. Failures are returned as *Error
// or as errors Classify understands.
type Connector interface {
	Name() string
	Channel() db.Channel
	Send(ctx context.Context, msg OutboundMessage) (Result, error)
}

// Registry routes a channel to its connector. New channels are added by
// registering a connector, the worker does not change.
type Registry struct {
	mu         sync.RWMutex
	connectors map[db.Channel]Connector
	logger     *zap.Logger
}

// NewRegistry creates a registry holding the given connectors.
func NewRegistry(logger *zap.Logger, connectors ...Connector) *Registry {
	r := &Registry{
		connectors: make(map[db.Channel]Connector),
		logger:     logger,
	}
	for _, c := range connectors {
		r.Register(c)
	}
	return r
}

// Register installs c for its channel, replacing any previous connector.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.connectors[c.Channel()]; ok {
		r.logger.Warn("replacing connector",
			zap.String("channel", string(c.Channel())),
			zap.String("previous", prev.Name()),
			zap.String("connector", c.Name()),
		)
	}
	r.connectors[c.Channel()] = c
}

// Get returns the connector for ch or a ConfigMissing error.
func (r *Registry) Get(ch db.Channel) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[ch]
	if !ok {
		return nil, Errorf(KindConfigMissing, "no connector configured for channel %q", ch)
	}
	return c, nil
}

// Channels lists the registered channels.
func (r *Registry) Channels() []db.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]db.Channel, 0, len(r.connectors))
	for ch := range r.connectors {
		out = append(out, ch)
	}
	return out
}

// Destination picks the customer's address for a channel.
func Destination(ch db.Channel, c *db.Customer) (string, error) {
	var dest string
	switch ch {
	case db.ChannelEmail:
		if c.Email != nil {
			dest = strings.TrimSpace(*c.Email)
		}
	case db.ChannelChat, db.ChannelVoice:
		if c.Phone != nil {
			dest = strings.TrimSpace(*c.Phone)
		}
	default:
		return "", Errorf(KindConfigMissing, "unsupported channel %q", ch)
	}
	if dest == "" {
		return "", Errorf(KindInvalidRecipient, "customer has no %s destination", ch)
	}
	if err := ValidateDestination(ch, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// ValidateDestination checks the shape of an address for a channel.
func ValidateDestination(ch db.Channel, dest string) error {
	switch ch {
	case db.ChannelEmail:
		if _, err := mail.ParseAddress(dest); err != nil {
			return Errorf(KindInvalidRecipient, "invalid email address %q", dest)
		}
	case db.ChannelChat, db.ChannelVoice:
		n := 0
		for _, r := range dest {
			if r >= '0' && r <= '9' {
				n++
			}
		}
		if n < 8 || n > 15 {
			return Errorf(KindInvalidRecipient, "invalid phone number %q", dest)
		}
	}
	return nil
}

// E164 formats a phone destination as +digits.
func E164(dest string) string {
	var b strings.Builder
	b.WriteByte('+')
	for _, r := range dest {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func requireField(value, name string, tenantID uuid.UUID) error {
	if strings.TrimSpace(value) == "" {
		return &Error{
			Kind:    KindConfigMissing,
			Message: fmt.Sprintf("%s is not configured for tenant %s", name, tenantID),
		}
	}
	return nil
}
