package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/rider-agent/internal/models"
)

const schema = `CREATE TABLE IF NOT EXISTS rider_order_events (
	id          TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL,
	rider_id    TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	status      TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rider_order_events_order_idx ON rider_order_events (order_id, occurred_at);`

type PostgresJournal struct {
	db *sql.DB
}

func NewPostgresJournal(ctx context.Context, dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresJournal{db: db}, nil
}

// Migrate creates the journal table if it does not exist.
func (p *PostgresJournal) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

func (p *PostgresJournal) Record(ctx context.Context, ev models.OrderEvent) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO rider_order_events(id, order_id, rider_id, event_type, status, occurred_at) VALUES($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.OrderID, ev.RiderID, string(ev.Type), string(ev.Status), ev.OccurredAt)
	return err
}

func (p *PostgresJournal) ForOrder(ctx context.Context, orderID string) ([]models.OrderEvent, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, order_id, rider_id, event_type, status, occurred_at FROM rider_order_events WHERE order_id=$1 ORDER BY occurred_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.OrderEvent
	for rows.Next() {
		var ev models.OrderEvent
		var typ, status string
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.RiderID, &typ, &status, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.Type = models.OrderEventType(typ)
		ev.Status = models.OrderStatus(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresJournal) Close() error { return p.db.Close() }
