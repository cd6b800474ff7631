package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"vehicle-blackbox/internal/domain"
)

// ChangeChannel is the Postgres NOTIFY channel fed by the
// notify_reading_change trigger. Payloads look like "INSERT:<id>".
const ChangeChannel = "readings_changed"

const feedRetryDelay = 2 * time.Second

// Change is one created/updated notification.
type Change struct {
	Op string
	ID string
}

func parseChange(payload string) (Change, bool) {
	op, id, ok := strings.Cut(payload, ":")
	if !ok || id == "" {
		return Change{}, false
	}
	return Change{Op: op, ID: id}, true
}

// Subscribe streams readings that were created or had sensor fields updated.
// The channel is closed when ctx is done. A dropped connection is
// re-established; changes missed meanwhile are picked up by the periodic
// classification pass.
func (s *PostgresStore) Subscribe(ctx context.Context) (<-chan *domain.Reading, error) {
	if s.pool == nil {
		return nil, errors.New("subscribe needs a connection pool")
	}

	conn, err := s.listen(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan *domain.Reading, 256)
	go func() {
		defer close(out)
		for {
			s.pump(ctx, conn, out)
			conn.Release()
			if ctx.Err() != nil {
				return
			}

			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(feedRetryDelay):
				}
				conn, err = s.listen(ctx)
				if err == nil {
					break
				}
				s.logger.Warn("re-listen failed", zap.Error(err))
			}
		}
	}()
	return out, nil
}

func (s *PostgresStore) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}
	return conn, nil
}

func (s *PostgresStore) pump(ctx context.Context, conn *pgxpool.Conn, out chan<- *domain.Reading) {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("reading feed interrupted", zap.Error(err))
			}
			return
		}

		change, ok := parseChange(n.Payload)
		if !ok {
			s.logger.Warn("ignoring malformed change payload", zap.String("payload", n.Payload))
			continue
		}

		r, err := s.Get(ctx, change.ID)
		if err != nil {
			s.logger.Warn("changed reading not readable",
				zap.String("op", change.Op),
				zap.String("reading_id", change.ID),
				zap.Error(err),
			)
			continue
		}

		select {
		case out <- r:
		case <-ctx.Done():
			return
		}
	}
}
