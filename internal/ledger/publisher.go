package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/models"
	"github.com/nats-io/nats.go"
)

// Publisher announces ledger records to other systems.
type Publisher interface {
	Publish(rec models.ActionRecord) error
	Close()
}

// natsConn is the subset of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes every ActionRecord as JSON on a subject. The
// subject is suffixed with the action type, e.g. sentinel.actions.restart_pod.
type NATSPublisher struct {
	conn    natsConn
	subject string
	logger  *logging.Logger
}

// ConnectNATS dials url and returns a publisher for subject.
func ConnectNATS(url, subject string) (*NATSPublisher, error) {
	logger := logging.GetLogger("ledger.nats")
	conn, err := nats.Connect(url,
		nats.Name("sentinel"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS at %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNATSPublisher(conn, subject), nil
}

func newNATSPublisher(conn natsConn, subject string) *NATSPublisher {
	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logging.GetLogger("ledger.nats"),
	}
}

func (p *NATSPublisher) Publish(rec models.ActionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal action record: %w", err)
	}
	subject := p.subject + "." + string(rec.Action.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish action %d: %w", rec.ID, err)
	}
	p.logger.Debug("Published action %d on %s", rec.ID, subject)
	return nil
}

func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("Failed to drain NATS connection: %v", err)
	}
}
