package notifications

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists notifications and resolves the customers they refer to.
type Store interface {
	// FindCustomer returns ErrNotFound when the customer does not exist.
	FindCustomer(ctx context.Context, customerID int64) (*Customer, error)
	// FindManualCustomer returns the first customer of the tenant in manual
	// mode whose digits-only phone equals one of candidates, trying them in
	// order. ErrNotFound when none match.
	FindManualCustomer(ctx context.Context, tenantID int64, candidates []string) (*Customer, error)
	// CreateDeduped inserts n unless an unread notification with the same
	// tenant, kind and customer was created at or after since. The check and
	// the insert are atomic. It returns the stored row and whether it already
	// existed.
	CreateDeduped(ctx context.Context, n *Notification, since time.Time) (*Notification, bool, error)
	List(ctx context.Context, params ListParams) ([]Notification, int, error)
	UnreadCount(ctx context.Context, tenantID *int64) (int, error)
	SetRead(ctx context.Context, tenantID *int64, id string, read bool) error
	MarkAllRead(ctx context.Context, tenantID *int64) (int64, error)
	Delete(ctx context.Context, tenantID *int64, id string) error
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const selectNotification = `
SELECT n.id, n.tenant_id, n.customer_id, n.kind, n.message, n.read, n.created_at,
       c.name, c.phone, t.name
FROM notifications n
LEFT JOIN customers c ON c.id = n.customer_id
LEFT JOIN tenants t ON t.id = n.tenant_id`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.TenantID, &n.CustomerID, &n.Kind, &n.Message, &n.Read, &n.CreatedAt,
		&n.CustomerName, &n.CustomerPhone, &n.TenantName)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PGStore) FindCustomer(ctx context.Context, customerID int64) (*Customer, error) {
	var c Customer
	err := s.pool.QueryRow(ctx,
		`SELECT id, COALESCE(name, ''), COALESCE(phone, '') FROM customers WHERE id = $1`,
		customerID,
	).Scan(&c.ID, &c.Name, &c.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find customer %d: %w", customerID, err)
	}
	return &c, nil
}

func (s *PGStore) FindManualCustomer(ctx context.Context, tenantID int64, candidates []string) (*Customer, error) {
	for _, phone := range candidates {
		var c Customer
		err := s.pool.QueryRow(ctx,
			`SELECT c.id, COALESCE(c.name, ''), COALESCE(c.phone, '')
			 FROM customers c
			 JOIN tenant_customers tc ON tc.customer_id = c.id
			 WHERE tc.tenant_id = $1
			   AND tc.ai_disabled = TRUE
			   AND regexp_replace(COALESCE(c.phone, ''), '\D', '', 'g') = $2
			 ORDER BY c.id
			 LIMIT 1`,
			tenantID, phone,
		).Scan(&c.ID, &c.Name, &c.Phone)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("match customer phone: %w", err)
		}
		return &c, nil
	}
	return nil, ErrNotFound
}

// isPermanent reports PostgreSQL data exceptions (class 22) and integrity
// violations (class 23). Retrying the same row cannot succeed.
func isPermanent(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
}

func dedupKey(n *Notification) string {
	customer := "none"
	if n.CustomerID != nil {
		customer = strconv.FormatInt(*n.CustomerID, 10)
	}
	return "notification:" + strconv.FormatInt(n.TenantID, 10) + ":" + string(n.Kind) + ":" + customer
}

func (s *PGStore) CreateDeduped(ctx context.Context, n *Notification, since time.Time) (*Notification, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serializes concurrent ingests of the same key until commit.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, dedupKey(n)); err != nil {
		return nil, false, fmt.Errorf("acquire dedup lock: %w", err)
	}

	existing, err := scanNotification(tx.QueryRow(ctx, selectNotification+`
		WHERE n.tenant_id = $1 AND n.kind = $2
		  AND n.customer_id IS NOT DISTINCT FROM $3
		  AND n.read = FALSE AND n.created_at >= $4
		ORDER BY n.created_at DESC
		LIMIT 1`,
		n.TenantID, n.Kind, n.CustomerID, since))
	switch {
	case err == nil:
		return existing, true, tx.Commit(ctx)
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, fmt.Errorf("dedup lookup: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO notifications (id, tenant_id, customer_id, kind, message, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
		n.ID, n.TenantID, n.CustomerID, n.Kind, n.Message, n.CreatedAt,
	); err != nil {
		return nil, false, fmt.Errorf("insert notification: %w", err)
	}

	created, err := scanNotification(tx.QueryRow(ctx, selectNotification+` WHERE n.id = $1`, n.ID))
	if err != nil {
		return nil, false, fmt.Errorf("reload notification: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return created, false, nil
}

// scopeFilter appends the tenant predicate when the caller is tenant-bound.
func scopeFilter(tenantID *int64, where string, args []interface{}) (string, []interface{}) {
	if tenantID == nil {
		return where, args
	}
	args = append(args, *tenantID)
	return where + ` AND n.tenant_id = $` + strconv.Itoa(len(args)), args
}

func (s *PGStore) List(ctx context.Context, params ListParams) ([]Notification, int, error) {
	params.normalize()

	where, args := scopeFilter(params.TenantID, ` WHERE TRUE`, nil)
	if params.Kind != "" {
		args = append(args, params.Kind)
		where += ` AND n.kind = $` + strconv.Itoa(len(args))
	}
	if params.Read != nil {
		args = append(args, *params.Read)
		where += ` AND n.read = $` + strconv.Itoa(len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications n`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	query := selectNotification + where +
		` ORDER BY n.created_at DESC LIMIT $` + strconv.Itoa(len(args)+1) +
		` OFFSET $` + strconv.Itoa(len(args)+2)
	rows, err := s.pool.Query(ctx, query, append(args, params.Limit, params.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	list := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		list = append(list, *n)
	}
	return list, total, rows.Err()
}

func (s *PGStore) UnreadCount(ctx context.Context, tenantID *int64) (int, error) {
	where, args := scopeFilter(tenantID, ` WHERE n.read = FALSE`, nil)
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications n`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func (s *PGStore) SetRead(ctx context.Context, tenantID *int64, id string, read bool) error {
	where, args := scopeFilter(tenantID, ` WHERE n.id = $2`, []interface{}{read, id})
	tag, err := s.pool.Exec(ctx, `UPDATE notifications n SET read = $1`+where, args...)
	if err != nil {
		return fmt.Errorf("update read flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) MarkAllRead(ctx context.Context, tenantID *int64) (int64, error) {
	where, args := scopeFilter(tenantID, ` WHERE n.read = FALSE`, nil)
	tag, err := s.pool.Exec(ctx, `UPDATE notifications n SET read = TRUE`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Delete(ctx context.Context, tenantID *int64, id string) error {
	where, args := scopeFilter(tenantID, ` WHERE n.id = $1`, []interface{}{id})
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications n`+where, args...)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
