package db

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Notifier announces finished reports.  On PostgreSQL it wraps
// LISTEN/NOTIFY so every server instance sees every report; on SQLite the
// notifications stay inside the process.
type Notifier struct {
	DB      *sqlx.DB
	Driver  string
	DSN     string
	Channel string

	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[chan string]struct{}
}

// NewNotifier constructs a new Notifier.  dsn is only used to open the
// dedicated LISTEN connection on PostgreSQL.
func NewNotifier(db *sqlx.DB, driver, dsn, channel string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		DB:          db,
		Driver:      driver,
		DSN:         dsn,
		Channel:     channel,
		logger:      logger,
		subscribers: make(map[chan string]struct{}),
	}
}

// Notify sends the consultation id on the channel.
func (n *Notifier) Notify(ctx context.Context, consultationID string) error {
	if n.Driver != DriverPostgres {
		n.publish(consultationID)
		return nil
	}
	// NOTIFY takes no bind parameters.
	stmt := fmt.Sprintf("NOTIFY %s, %s", pq.QuoteIdentifier(n.Channel), pq.QuoteLiteral(consultationID))
	_, err := n.DB.ExecContext(ctx, stmt)
	return err
}

// Listen yields consultation ids as they are announced until ctx is
// cancelled, after which the returned channel is closed.
func (n *Notifier) Listen(ctx context.Context) (<-chan string, error) {
	if n.Driver != DriverPostgres {
		return n.subscribe(ctx), nil
	}

	listener := pq.NewListener(n.DSN, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			n.logger.Warn("notification listener event", slog.Int("event", int(ev)), slog.String("error", err.Error()))
		}
	})
	if err := listener.Listen(n.Channel); err != nil {
		_ = listener.Close()
		return nil, err
	}

	ch := make(chan string)
	go func() {
		defer func() {
			_ = listener.Close()
			close(ch)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-listener.Notify:
				// A nil notification means the connection was re-established.
				if msg == nil {
					continue
				}
				select {
				case ch <- msg.Extra:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				go func() { _ = listener.Ping() }()
			}
		}
	}()
	return ch, nil
}

func (n *Notifier) subscribe(ctx context.Context) <-chan string {
	ch := make(chan string, 16)
	n.mu.Lock()
	n.subscribers[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subscribers, ch)
		close(ch)
		n.mu.Unlock()
	}()
	return ch
}

func (n *Notifier) publish(consultationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subscribers {
		select {
		case ch <- consultationID:
		default:
			n.logger.Warn("dropping notification for slow listener", slog.String("consultation_id", consultationID))
		}
	}
}
