package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/roundsync/indexer/internal/model"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestCheckTableRejectsUnknownTable(t *testing.T) {
	if err := checkTable(Table("dropTables")); err == nil {
		t.Fatal("expected an error for a table not on the allow-list")
	}
	if err := checkTable(TableRound); err != nil {
		t.Fatalf("checkTable(TableRound): %v", err)
	}
}

func TestInsertRejectsUnknownTable(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.Insert(context.Background(), Table("dropTables"), Row{"a": 1})
	})
	if err == nil {
		t.Fatal("expected insert into an unlisted table to fail before touching the connection")
	}
}

func TestCommitEpochCommitsOnSuccess(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "realBet" WHERE "epoch" = \$1`).
		WithArgs(uint64(1)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "round"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO "hisBet"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO "finEpoch"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	round := model.Round{Epoch: 1}
	bets := []model.Bet{{Epoch: 1, Wallet: "0xaaa"}}

	if err := s.CommitEpoch(context.Background(), 1, round, bets, nil, nil); err != nil {
		t.Fatalf("CommitEpoch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCommitEpochRollsBackOnWriteError(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "realBet"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "round"`).WillReturnError(errors.New("pq: constraint violation"))
	mock.ExpectRollback()

	err := s.CommitEpoch(context.Background(), 1, model.Round{Epoch: 1}, nil, nil, nil)
	if err == nil {
		t.Fatal("expected an error to propagate from the failed insert")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations (rollback must have been issued): %v", err)
	}
}

func TestCommitEpochSkipsEmptyBatches(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "realBet"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "round"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO "finEpoch"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// No bets, claims, or multiClaims: only round + finEpoch should execute,
	// so any unexpected hisBet/claim/multiClaim insert trips ExpectationsWereMet.
	if err := s.CommitEpoch(context.Background(), 1, model.Round{Epoch: 1}, nil, nil, nil); err != nil {
		t.Fatalf("CommitEpoch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLogEpochErrorUpsertsOnConflict(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`INSERT INTO "errEpoch".*ON CONFLICT \(epoch\) DO UPDATE`).
		WithArgs(uint64(7), "permanent_rpc", "boom", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.LogEpochError(context.Background(), 7, "permanent_rpc", "boom", time.Now()); err != nil {
		t.Fatalf("LogEpochError: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIsCompletedTrue(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"exists"}).AddRow(true)
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM "finEpoch" WHERE epoch = \$1\)`).
		WithArgs(uint64(5)).WillReturnRows(rows)

	done, err := s.IsCompleted(context.Background(), 5)
	if err != nil {
		t.Fatalf("IsCompleted: %v", err)
	}
	if !done {
		t.Fatal("expected epoch 5 to be completed")
	}
}

func TestIsCompletedFalse(t *testing.T) {
	s, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"exists"}).AddRow(false)
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM "finEpoch" WHERE epoch = \$1\)`).
		WithArgs(uint64(6)).WillReturnRows(rows)

	done, err := s.IsCompleted(context.Background(), 6)
	if err != nil {
		t.Fatalf("IsCompleted: %v", err)
	}
	if done {
		t.Fatal("expected epoch 6 to be incomplete")
	}
}

func TestWhereClauseFromOffsetsPlaceholders(t *testing.T) {
	clause, args := whereClauseFrom(Where{"epoch": uint64(1)}, 3)
	if clause != `"epoch" = $3` {
		t.Fatalf("got clause %q", clause)
	}
	if len(args) != 1 || args[0].(uint64) != 1 {
		t.Fatalf("got args %v", args)
	}
}

func TestWhereClauseEmptyIsTrue(t *testing.T) {
	clause, args := whereClause(Where{})
	if clause != "TRUE" || len(args) != 0 {
		t.Fatalf("got clause %q args %v, want TRUE with no args", clause, args)
	}
}

func TestOrderedKeysIsDeterministic(t *testing.T) {
	row := Row{"z": 1, "a": 2, "m": 3}
	got := orderedKeys(row)
	want := []string{"a", "m", "z"}
	for i, k := range want {
		if got[i] != k {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
