package wallet

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	walletsTable = "wallets"
	txTable      = "wallet_transactions"

	colPlayerID  = "player_id"
	colBalance   = "balance"
	colUpdatedAt = "updated_at"
	colTxID      = "tx_id"
	colRefTxID   = "ref_tx_id"
	colKind      = "kind"
	colRoundID   = "round_id"
	colBetID     = "bet_id"
	colAmount    = "amount"
)

// Schema creates the tables the Postgres wallet needs. Amounts use the same
// NUMERIC(15,2) precision as the platform user balance.
const Schema = `
CREATE TABLE IF NOT EXISTS wallets (
	player_id  TEXT PRIMARY KEY,
	balance    NUMERIC(15,2) NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS wallet_transactions (
	tx_id      TEXT PRIMARY KEY,
	ref_tx_id  TEXT,
	kind       TEXT NOT NULL,
	player_id  TEXT NOT NULL REFERENCES wallets (player_id),
	round_id   TEXT,
	bet_id     TEXT,
	amount     NUMERIC(15,2) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS wallet_transactions_refund_once
	ON wallet_transactions (ref_tx_id) WHERE kind = 'refund';
`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres is a Wallet backed by the wallets/wallet_transactions tables. Each
// movement runs in one transaction: the balance row is locked with FOR UPDATE,
// updated, and the movement is journaled under its tx id.
type Postgres struct {
	pool      *pgxpool.Pool
	txManager trm.Manager
	getter    *trmpgx.CtxGetter
	start     decimal.Decimal
}

func NewPostgres(pool *pgxpool.Pool, txManager trm.Manager, start decimal.Decimal) *Postgres {
	return &Postgres{
		pool:      pool,
		txManager: txManager,
		getter:    trmpgx.DefaultCtxGetter,
		start:     start,
	}
}

// EnsureSchema applies Schema.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("wallet: apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Debit(ctx context.Context, tx Tx) error {
	if !tx.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return p.txManager.Do(ctx, func(txCtx context.Context) error {
		done, err := p.applied(txCtx, tx.ID)
		if err != nil || done {
			return err
		}
		balance, err := p.lockBalance(txCtx, tx.PlayerID)
		if err != nil {
			return err
		}
		if balance.LessThan(tx.Amount) {
			return ErrInsufficientFunds
		}
		if err := p.adjust(txCtx, tx.PlayerID, "balance - ?::numeric", tx.Amount); err != nil {
			return err
		}
		return p.journal(txCtx, tx)
	})
}

func (p *Postgres) Credit(ctx context.Context, tx Tx) error {
	if !tx.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return p.txManager.Do(ctx, func(txCtx context.Context) error {
		done, err := p.applied(txCtx, tx.ID)
		if err != nil || done {
			return err
		}
		if tx.Kind == KindRefund {
			ok, err := p.refundable(txCtx, tx.Ref)
			if err != nil || !ok {
				return err
			}
		}
		if _, err := p.lockBalance(txCtx, tx.PlayerID); err != nil {
			return err
		}
		if err := p.adjust(txCtx, tx.PlayerID, "balance + ?::numeric", tx.Amount); err != nil {
			return err
		}
		return p.journal(txCtx, tx)
	})
}

// Balance returns the stored balance, or the starting balance for an unknown player.
func (p *Postgres) Balance(ctx context.Context, playerID, _ string) (decimal.Decimal, error) {
	query := psql.Select(colBalance + "::text").
		From(walletsTable).
		Where(sq.Eq{colPlayerID: playerID})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return decimal.Zero, err
	}
	var raw string
	err = p.getter.DefaultTrOrDB(ctx, p.pool).QueryRow(ctx, sqlStr, args...).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return p.start, nil
		}
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func (p *Postgres) applied(ctx context.Context, txID string) (bool, error) {
	query := psql.Select("1").
		From(txTable).
		Where(sq.Eq{colTxID: txID})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return false, err
	}
	var one int
	err = p.getter.DefaultTrOrDB(ctx, p.pool).QueryRow(ctx, sqlStr, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("wallet: look up tx %s: %w", txID, err)
	}
	return true, nil
}

// refundable reports whether ref is a journaled bet that has not been refunded yet.
func (p *Postgres) refundable(ctx context.Context, ref string) (bool, error) {
	query := psql.Select("count(*) FILTER (WHERE kind = 'bet')", "count(*) FILTER (WHERE kind = 'refund')").
		From(txTable).
		Where(sq.Or{
			sq.Eq{colTxID: ref},
			sq.Eq{colRefTxID: ref},
		})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return false, err
	}
	var bets, refunds int
	if err := p.getter.DefaultTrOrDB(ctx, p.pool).QueryRow(ctx, sqlStr, args...).Scan(&bets, &refunds); err != nil {
		return false, fmt.Errorf("wallet: look up refund target %s: %w", ref, err)
	}
	return bets > 0 && refunds == 0, nil
}

// lockBalance opens the wallet row if needed and locks it for the rest of the transaction.
func (p *Postgres) lockBalance(ctx context.Context, playerID string) (decimal.Decimal, error) {
	tr := p.getter.DefaultTrOrDB(ctx, p.pool)

	insert := psql.Insert(walletsTable).
		Columns(colPlayerID, colBalance).
		Values(playerID, p.start.String()).
		Suffix("ON CONFLICT (" + colPlayerID + ") DO NOTHING")
	sqlStr, args, err := insert.ToSql()
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := tr.Exec(ctx, sqlStr, args...); err != nil {
		return decimal.Zero, fmt.Errorf("wallet: open account %s: %w", playerID, err)
	}

	query := psql.Select(colBalance + "::text").
		From(walletsTable).
		Where(sq.Eq{colPlayerID: playerID}).
		Suffix("FOR UPDATE")
	sqlStr, args, err = query.ToSql()
	if err != nil {
		return decimal.Zero, err
	}
	var raw string
	if err := tr.QueryRow(ctx, sqlStr, args...).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("wallet: lock account %s: %w", playerID, err)
	}
	return decimal.NewFromString(raw)
}

func (p *Postgres) adjust(ctx context.Context, playerID, expr string, amount decimal.Decimal) error {
	update := psql.Update(walletsTable).
		Set(colBalance, sq.Expr(expr, amount.String())).
		Set(colUpdatedAt, sq.Expr("now()")).
		Where(sq.Eq{colPlayerID: playerID})

	sqlStr, args, err := update.ToSql()
	if err != nil {
		return err
	}
	if _, err := p.getter.DefaultTrOrDB(ctx, p.pool).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("wallet: update balance %s: %w", playerID, err)
	}
	return nil
}

func (p *Postgres) journal(ctx context.Context, tx Tx) error {
	var ref any
	if tx.Ref != "" {
		ref = tx.Ref
	}
	insert := psql.Insert(txTable).
		Columns(colTxID, colRefTxID, colKind, colPlayerID, colRoundID, colBetID, colAmount).
		Values(tx.ID, ref, string(tx.Kind), tx.PlayerID, tx.RoundID, tx.BetID, tx.Amount.String())

	sqlStr, args, err := insert.ToSql()
	if err != nil {
		return err
	}
	if _, err := p.getter.DefaultTrOrDB(ctx, p.pool).Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("wallet: journal tx %s: %w", tx.ID, err)
	}
	return nil
}
