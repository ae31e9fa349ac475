package ticketnumber

import (
	"context"
	"fmt"

	"github.com/Arcneell/Inframate/internal/database"
)

// SequenceStore reports the highest sequence already assigned for a day.
type SequenceStore interface {
	MaxSequence(ctx context.Context, tx Execer, dayPrefix string) (int, error)
}

// DBStore reads the day's highest sequence straight from the tickets table.
// The characters after the day prefix are the zero-padded sequence (offset 14).
type DBStore struct {
	Dialect database.Dialect
}

func NewDBStore(dialect database.Dialect) *DBStore {
	return &DBStore{Dialect: dialect}
}

// MaxSequence implements SequenceStore. Deleted tickets still count so numbers are never reused.
func (s *DBStore) MaxSequence(ctx context.Context, tx Execer, dayPrefix string) (int, error) {
	q := `SELECT COALESCE(MAX(CAST(SUBSTRING(ticket_number FROM 14 FOR 4) AS INTEGER)), 0)
              FROM tickets WHERE ticket_number LIKE $1`
	if s.Dialect == database.MySQL {
		q = `SELECT COALESCE(MAX(CAST(SUBSTRING(ticket_number, 14, 4) AS UNSIGNED)), 0)
              FROM tickets WHERE ticket_number LIKE $1`
	}
	var max int
	if err := tx.QueryRowContext(ctx, s.Dialect.ConvertPlaceholders(q), dayPrefix+"%").Scan(&max); err != nil {
		return 0, fmt.Errorf("max ticket sequence for %s: %w", dayPrefix, err)
	}
	return max, nil
}
