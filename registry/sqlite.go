package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists listings in a local SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

// NewSQLiteStore opens (and if needed initializes) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent transitions.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db, nowFn: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS listings (
            id TEXT PRIMARY KEY,
            seller TEXT NOT NULL,
            asset_index INTEGER NOT NULL,
            price INTEGER NOT NULL,
            escrow_program BLOB NOT NULL,
            escrow_address TEXT NOT NULL,
            status TEXT NOT NULL,
            network TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_listings_seller ON listings(seller);`,
		`CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// NewListingID mints a listing identifier.
func NewListingID() string {
	return uuid.NewString()
}

// Create inserts a new listing row.
func (s *SQLiteStore) Create(ctx context.Context, listing Listing) error {
	const stmt = `INSERT INTO listings(id, seller, asset_index, price, escrow_program, escrow_address, status, network, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		listing.ID, listing.Seller, listing.AssetIndex, listing.Price,
		listing.EscrowProgram, listing.EscrowAddress, string(listing.Status),
		listing.Network, listing.CreatedAt.UTC(), listing.UpdatedAt.UTC())
	return err
}

// Get fetches a listing by identifier.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Listing, error) {
	const query = `SELECT id, seller, asset_index, price, escrow_program, escrow_address, status, network, created_at, updated_at FROM listings WHERE id = ?`
	return scanListing(s.db.QueryRowContext(ctx, query, id))
}

// ListBySeller returns the seller's listings on one network, newest first.
func (s *SQLiteStore) ListBySeller(ctx context.Context, seller, network string) ([]Listing, error) {
	const query = `SELECT id, seller, asset_index, price, escrow_program, escrow_address, status, network, created_at, updated_at FROM listings WHERE seller = ? AND network = ? ORDER BY created_at DESC`
	return s.list(ctx, query, seller, network)
}

// ListByStatus returns all listings in a given state on one network, newest
// first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status, network string) ([]Listing, error) {
	const query = `SELECT id, seller, asset_index, price, escrow_program, escrow_address, status, network, created_at, updated_at FROM listings WHERE status = ? AND network = ? ORDER BY created_at DESC`
	return s.list(ctx, query, string(status), network)
}

// TransitionStatus performs a compare-and-swap lifecycle step. The WHERE
// clause pins the expected current status, so concurrent movers serialize on
// the row and at most one transition wins.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, from, to Status) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("registry: illegal transition %s -> %s", from, to)
	}
	const stmt = `UPDATE listings SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(to), s.nowFn().UTC(), id, string(from))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]Listing, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var listings []Listing
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, listing)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return listings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (Listing, error) {
	var listing Listing
	var status string
	err := row.Scan(&listing.ID, &listing.Seller, &listing.AssetIndex, &listing.Price,
		&listing.EscrowProgram, &listing.EscrowAddress, &status, &listing.Network,
		&listing.CreatedAt, &listing.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Listing{}, ErrNotFound
	}
	if err != nil {
		return Listing{}, err
	}
	listing.Status = Status(status)
	return listing, nil
}
