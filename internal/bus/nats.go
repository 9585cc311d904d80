package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/logging"
)

// SubjectPrefix is prepended to the event type to form the NATS subject.
const SubjectPrefix = "helix.events."

// Subject returns the NATS subject for an event type.
func Subject(t EventType) string { return SubjectPrefix + string(t) }

// Publisher is the subset of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge forwards every bus event to NATS.
type Bridge struct {
	pub   Publisher
	conn  *nats.Conn
	bus   *Bus
	subID SubscriptionID
	log   zerolog.Logger
}

// DialNATS connects to url with reconnect settings suited to a long-running
// local process.
func DialNATS(url, token string) (*nats.Conn, error) {
	log := logging.Component("bus.nats")
	opts := []nats.Option{
		nats.Name("helix"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// NewBridge subscribes to every event on b and republishes it through pub.
// When pub is a *nats.Conn, Close also closes the connection.
func NewBridge(b *Bus, pub Publisher) *Bridge {
	br := &Bridge{pub: pub, bus: b, log: logging.Component("bus.nats")}
	if nc, ok := pub.(*nats.Conn); ok {
		br.conn = nc
	}
	br.subID = b.Subscribe("", br.forward)
	return br
}

func (br *Bridge) forward(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		br.log.Warn().Err(err).Str("type", string(event.Type)).Msg("marshal event")
		return
	}
	if err := br.pub.Publish(Subject(event.Type), payload); err != nil {
		br.log.Debug().Err(err).Str("type", string(event.Type)).Msg("nats publish failed")
	}
}

// Close detaches from the bus, draining the NATS connection if it owns one.
func (br *Bridge) Close() {
	_ = br.bus.Unsubscribe(br.subID)
	if br.conn != nil {
		if err := br.conn.Drain(); err != nil {
			br.conn.Close()
		}
	}
}
