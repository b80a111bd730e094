package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresRepository stores orders in the orders and order_items tables.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs a Repository backed by a pgx connection pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const selectOrder = `SELECT id, token, owner, status, paid, payment_proof_id, amount, currency, created_at, updated_at FROM orders`

func (r *PostgresRepository) Insert(ctx context.Context, o Order, files []File) (Order, error) {
	if r == nil || r.pool == nil {
		return Order{}, ErrStoreUnavailable
	}
	id, err := uuid.Parse(o.ID)
	if err != nil {
		return Order{}, fmt.Errorf("order id: %w", err)
	}
	if len(files) != len(o.Items) {
		return Order{}, errors.New("order: files and items differ in length")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	err = tx.QueryRow(ctx, `INSERT INTO orders (id, token, owner, status, paid, payment_proof_id, amount, currency)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at, updated_at`,
		id, o.Token, o.Owner, string(o.Status), o.Paid, o.PaymentProofID, o.Amount, o.Currency).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, mapInsertError(err)
	}
	batch := &pgx.Batch{}
	for i, it := range o.Items {
		batch.Queue(`INSERT INTO order_items (order_id, idx, file_name, content_type, size, page_count, copies, color_mode, duplex, data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			id, it.Index, it.FileName, it.ContentType, it.Size, it.PageCount, it.Copies, it.ColorMode, it.Duplex, files[i].Data)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, err
	}
	return o, nil
}

func mapInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case "orders_payment_proof_id_key":
			return ErrDuplicateProof
		case "orders_token_key":
			return ErrTokenTaken
		}
	}
	return err
}

func (r *PostgresRepository) ByID(ctx context.Context, id string) (Order, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return Order{}, ErrNotFound
	}
	return r.one(ctx, selectOrder+` WHERE id = $1`, uid)
}

func (r *PostgresRepository) ByToken(ctx context.Context, token string) (Order, error) {
	return r.one(ctx, selectOrder+` WHERE token = $1`, token)
}

func (r *PostgresRepository) ByProof(ctx context.Context, proofID string) (Order, error) {
	return r.one(ctx, selectOrder+` WHERE payment_proof_id = $1`, proofID)
}

func (r *PostgresRepository) ListByOwner(ctx context.Context, owner string) ([]Order, error) {
	return r.many(ctx, selectOrder+` WHERE owner = $1 ORDER BY created_at DESC, id DESC`, owner)
}

func (r *PostgresRepository) List(ctx context.Context, f ListFilter) ([]Order, int, error) {
	if r == nil || r.pool == nil {
		return nil, 0, ErrStoreUnavailable
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE ($1 = '' OR status = $1)`, string(f.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	orders, err := r.many(ctx, selectOrder+` WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		string(f.Status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, from, to Status) (Order, error) {
	if r == nil || r.pool == nil {
		return Order{}, ErrStoreUnavailable
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return Order{}, ErrNotFound
	}
	tag, err := r.pool.Exec(ctx, `UPDATE orders SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`, uid, string(from), string(to))
	if err != nil {
		return Order{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.ByID(ctx, id); err != nil {
			return Order{}, err
		}
		return Order{}, ErrInvalidTransition
	}
	return r.ByID(ctx, id)
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	if r == nil || r.pool == nil {
		return ErrStoreUnavailable
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, uid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) File(ctx context.Context, orderID string, index int) (File, error) {
	if r == nil || r.pool == nil {
		return File{}, ErrStoreUnavailable
	}
	uid, err := uuid.Parse(orderID)
	if err != nil {
		return File{}, ErrNotFound
	}
	f := File{Index: index}
	err = r.pool.QueryRow(ctx, `SELECT file_name, content_type, data FROM order_items WHERE order_id = $1 AND idx = $2`, uid, index).
		Scan(&f.Name, &f.ContentType, &f.Data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return File{}, ErrNotFound
		}
		return File{}, err
	}
	return f, nil
}

func (r *PostgresRepository) one(ctx context.Context, query string, args ...any) (Order, error) {
	orders, err := r.many(ctx, query, args...)
	if err != nil {
		return Order{}, err
	}
	if len(orders) == 0 {
		return Order{}, ErrNotFound
	}
	return orders[0], nil
}

func (r *PostgresRepository) many(ctx context.Context, query string, args ...any) ([]Order, error) {
	if r == nil || r.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		orders []Order
		ids    []string
		index  = map[uuid.UUID]int{}
	)
	for rows.Next() {
		var (
			o      Order
			id     uuid.UUID
			status string
		)
		if err := rows.Scan(&id, &o.Token, &o.Owner, &status, &o.Paid, &o.PaymentProofID, &o.Amount, &o.Currency, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.ID = id.String()
		o.Status = Status(status)
		o.Items = []Item{}
		index[id] = len(orders)
		ids = append(ids, id.String())
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return orders, nil
	}

	itemRows, err := r.pool.Query(ctx, `SELECT order_id, idx, file_name, content_type, size, page_count, copies, color_mode, duplex
FROM order_items WHERE order_id = ANY($1::uuid[]) ORDER BY order_id, idx`, ids)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var (
			orderID uuid.UUID
			it      Item
		)
		if err := itemRows.Scan(&orderID, &it.Index, &it.FileName, &it.ContentType, &it.Size, &it.PageCount, &it.Copies, &it.ColorMode, &it.Duplex); err != nil {
			return nil, err
		}
		if i, ok := index[orderID]; ok {
			orders[i].Items = append(orders[i].Items, it)
		}
	}
	return orders, itemRows.Err()
}
