// Package store implements Persistence: a transaction executor with
// typed insert/delete/update helpers over a strict table allow-list.
//
// Grounded on other_examples/manifests/MichaelKim20-agora-scan/go.mod
// (jmoiron/sqlx + lib/pq, the same pairing used here) and its
// db.WriterDb.Get(...) call style seen in
// other_examples/ba7b7229_MichaelKim20-agora-scan__exporter-eth1.go.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/roundsync/indexer/internal/model"
)

// Table is a closed enumeration of persistable tables.
type Table string

const (
	TableRound      Table = "round"
	TableHisBet     Table = "hisBet"
	TableClaim      Table = "claim"
	TableMultiClaim Table = "multiClaim"
	TableRealBet    Table = "realBet"
	TableFinEpoch   Table = "finEpoch"
	TableErrEpoch   Table = "errEpoch"
)

var allowList = map[Table]struct{}{
	TableRound: {}, TableHisBet: {}, TableClaim: {}, TableMultiClaim: {},
	TableRealBet: {}, TableFinEpoch: {}, TableErrEpoch: {},
}

func checkTable(t Table) error {
	if _, ok := allowList[t]; !ok {
		return fmt.Errorf("store: table %q is not on the allow-list", t)
	}
	return nil
}

// Store wraps a connection pool to the relational store.
type Store struct {
	db *sqlx.DB
}

// Open dials postgresURL via lib/pq and configures the pool: at most 10
// open and 2 idle connections, each recycled after 30 minutes. It sets
// no connect timeout and no statement timeout; the connections have them
// only if postgresURL itself specifies them.
func Open(postgresURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Tx is the typed transactional handle passed into a WithTx closure.
type Tx struct {
	tx *sqlx.Tx
}

// WithTx runs fn inside a transaction: commits on a nil return, rolls
// back otherwise, and always releases the underlying connection.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	tx := &Tx{tx: sqlTx}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Row is a single column-name -> value map, bound positionally when built
// into an INSERT/UPDATE statement.
type Row map[string]interface{}

// Insert inserts a single row into table.
func (t *Tx) Insert(ctx context.Context, table Table, row Row) error {
	if err := checkTable(table); err != nil {
		return err
	}
	cols, placeholders, args := rowToPositional(row)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(string(table)), cols, placeholders)
	_, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: insert into %s: %w", table, err)
	}
	return nil
}

// BatchInsert inserts many rows in one statement. All rows must share the
// same column set (the caller's canonical record shape guarantees this).
func (t *Tx) BatchInsert(ctx context.Context, table Table, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := checkTable(table); err != nil {
		return err
	}

	colNames := orderedKeys(rows[0])
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", quoteIdent(string(table)), quoteColumns(colNames))

	args := make([]interface{}, 0, len(rows)*len(colNames))
	placeholder := 1
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, col := range colNames {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", placeholder)
			placeholder++
			args = append(args, row[col])
		}
		sb.WriteString(")")
	}

	if _, err := t.tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("store: batch insert into %s: %w", table, err)
	}
	return nil
}

// Where is a simple AND-joined equality predicate.
type Where map[string]interface{}

// Delete removes rows matching where.
func (t *Tx) Delete(ctx context.Context, table Table, where Where) error {
	if err := checkTable(table); err != nil {
		return err
	}
	clause, args := whereClause(where)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(string(table)), clause)
	_, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: delete from %s: %w", table, err)
	}
	return nil
}

// Update sets columns in `set` for rows matching where.
func (t *Tx) Update(ctx context.Context, table Table, set Row, where Where) error {
	if err := checkTable(table); err != nil {
		return err
	}
	setCols := orderedKeys(set)
	var sb strings.Builder
	fmt.Fprintf(&sb, "UPDATE %s SET ", quoteIdent(string(table)))
	args := make([]interface{}, 0, len(set)+len(where))
	n := 1
	for i, col := range setCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s = $%d", quoteIdent(col), n)
		n++
		args = append(args, set[col])
	}
	sb.WriteString(" WHERE ")
	clause, whereArgs := whereClauseFrom(where, n)
	sb.WriteString(clause)
	args = append(args, whereArgs...)

	if _, err := t.tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("store: update %s: %w", table, err)
	}
	return nil
}

// Select runs a column-selected, where-filtered query and scans into dest
// (a pointer to a slice of structs, per sqlx convention).
func (t *Tx) Select(ctx context.Context, dest interface{}, table Table, cols []string, where Where) error {
	if err := checkTable(table); err != nil {
		return err
	}
	colList := "*"
	if len(cols) > 0 {
		colList = quoteColumns(cols)
	}
	clause, args := whereClause(where)
	query := fmt.Sprintf("SELECT %s FROM %s", colList, quoteIdent(string(table)))
	if clause != "" {
		query += " WHERE " + clause
	}
	if err := t.tx.SelectContext(ctx, dest, query, args...); err != nil {
		return fmt.Errorf("store: select from %s: %w", table, err)
	}
	return nil
}

func quoteIdent(s string) string { return pq.QuoteIdentifier(s) }

func quoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

func orderedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Stable order keeps generated SQL deterministic across calls, which
	// matters for tests asserting on exact query text.
	sortStrings(keys)
	return keys
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func rowToPositional(row Row) (cols string, placeholders string, args []interface{}) {
	keys := orderedKeys(row)
	colNames := make([]string, len(keys))
	phs := make([]string, len(keys))
	args = make([]interface{}, len(keys))
	for i, k := range keys {
		colNames[i] = quoteIdent(k)
		phs[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[k]
	}
	return strings.Join(colNames, ", "), strings.Join(phs, ", "), args
}

func whereClause(where Where) (string, []interface{}) {
	return whereClauseFrom(where, 1)
}

func whereClauseFrom(where Where, startAt int) (string, []interface{}) {
	if len(where) == 0 {
		return "TRUE", nil
	}
	keys := orderedKeys(where)
	parts := make([]string, len(keys))
	args := make([]interface{}, len(keys))
	n := startAt
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s = $%d", quoteIdent(k), n)
		n++
		args[i] = where[k]
	}
	return strings.Join(parts, " AND "), args
}

// LogEpochError writes an EpochError row from a fresh connection checkout
// on the same pool, never the failed pipeline's transaction, so the
// diagnostic survives that transaction's rollback.
func (s *Store) LogEpochError(ctx context.Context, epoch uint64, class, message string, at time.Time) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (epoch, class, message, ts) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (epoch) DO UPDATE SET class = EXCLUDED.class, message = EXCLUDED.message, ts = EXCLUDED.ts`,
		quoteIdent(string(TableErrEpoch)),
	)
	_, err := s.db.ExecContext(ctx, query, epoch, class, message, at)
	if err != nil {
		return fmt.Errorf("store: log epoch error: %w", err)
	}
	return nil
}

// CommitEpoch persists one epoch's canonical records in a single
// transaction and marks it complete by construction. Any
// previously persisted realBet snapshot for epoch is cleared first.
func (s *Store) CommitEpoch(ctx context.Context, epoch uint64, round model.Round, bets []model.Bet, claims []model.Claim, multiClaims []model.MultiClaim) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.Delete(ctx, TableRealBet, Where{"epoch": epoch}); err != nil {
			return err
		}
		if err := tx.Insert(ctx, TableRound, roundRow(round)); err != nil {
			return err
		}
		if len(bets) > 0 {
			rows := make([]Row, len(bets))
			for i, b := range bets {
				rows[i] = betRow(b)
			}
			if err := tx.BatchInsert(ctx, TableHisBet, rows); err != nil {
				return err
			}
		}
		if len(claims) > 0 {
			rows := make([]Row, len(claims))
			for i, c := range claims {
				rows[i] = claimRow(c)
			}
			if err := tx.BatchInsert(ctx, TableClaim, rows); err != nil {
				return err
			}
		}
		if len(multiClaims) > 0 {
			rows := make([]Row, len(multiClaims))
			for i, m := range multiClaims {
				rows[i] = multiClaimRow(m)
			}
			if err := tx.BatchInsert(ctx, TableMultiClaim, rows); err != nil {
				return err
			}
		}
		return tx.Insert(ctx, TableFinEpoch, Row{"epoch": epoch})
	})
}

func roundRow(r model.Round) Row {
	return Row{
		"epoch": r.Epoch, "start_time": r.StartTime, "lock_time": r.LockTime, "close_time": r.CloseTime,
		"lock_price": r.LockPrice.String(), "close_price": r.ClosePrice.String(), "outcome": string(r.Outcome),
		"total": r.Total.String(), "up_amount": r.UpAmount.String(), "down_amount": r.DownAmount.String(),
		"up_odds": r.UpOdds.String(), "down_odds": r.DownOdds.String(),
	}
}

func betRow(b model.Bet) Row {
	return Row{
		"epoch": b.Epoch, "tx_hash": b.TxHash, "log_index": b.LogIndex, "bet_time": b.BetTime,
		"wallet": b.Wallet, "direction": string(b.Direction), "amount": b.Amount.String(),
		"result": string(b.Result), "block_height": b.BlockHeight,
	}
}

func claimRow(c model.Claim) Row {
	return Row{
		"epoch": c.Epoch, "tx_hash": c.TxHash, "log_index": c.LogIndex, "bet_epoch": c.BetEpoch,
		"wallet": c.Wallet, "amount": c.Amount.String(),
	}
}

func multiClaimRow(m model.MultiClaim) Row {
	return Row{
		"epoch": m.Epoch, "wallet": m.Wallet, "claim_count": m.ClaimCount, "total_amount": m.TotalAmount.String(),
	}
}

// IsCompleted reports whether EpochCompletion(epoch) exists.
func (s *Store) IsCompleted(ctx context.Context, epoch uint64) (bool, error) {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE epoch = $1)", quoteIdent(string(TableFinEpoch)))
	if err := s.db.GetContext(ctx, &exists, query, epoch); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("store: check completion: %w", err)
	}
	return exists, nil
}
