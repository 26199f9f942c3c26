package testutil

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"testing"
)

func TestStubInsertUpsertAndSelect(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()

	insert := "INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload"
	for _, payload := range []string{"v1", "v2"} {
		if _, err := conn.ExecContext(ctx, insert, []driver.NamedValue{{Value: "history"}, {Value: []byte(payload)}}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	rows := conn.Rows("state")
	if len(rows) != 1 || string(rows[0]["payload"].([]byte)) != "v2" {
		t.Fatalf("expected upserted row, got %v", rows)
	}

	r, err := conn.QueryContext(ctx, "SELECT bucket, payload FROM state", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	dest := make([]driver.Value, 2)
	if err := r.Next(dest); err != nil || dest[0] != "history" {
		t.Fatalf("unexpected row %v %v", dest, err)
	}
	if err := r.Next(dest); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStubDelete(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	conn.Tables["items"] = []map[string]any{{"id": "a"}, {"id": "b"}}
	res, err := conn.ExecContext(ctx, "DELETE FROM items WHERE id=$1", []driver.NamedValue{{Value: "a"}})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 || len(conn.Rows("items")) != 1 {
		t.Fatalf("expected one row removed")
	}
	if _, err := conn.ExecContext(ctx, "DELETE FROM items", nil); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if len(conn.Rows("items")) != 0 {
		t.Fatalf("expected table cleared")
	}
}

func TestStubFailureToggles(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	conn.FailPing = true
	if conn.Ping(ctx) == nil {
		t.Fatalf("expected ping failure")
	}
	conn.FailTables["state"] = true
	if _, err := conn.QueryContext(ctx, "SELECT bucket FROM state", nil); err == nil {
		t.Fatalf("expected query failure")
	}
	conn.FailBegin = true
	if _, err := conn.BeginTx(ctx, driver.TxOptions{}); err == nil {
		t.Fatalf("expected begin failure")
	}
	if _, err := conn.QueryContext(ctx, "UPDATE state SET x=1", nil); err == nil {
		t.Fatalf("expected parse failure for non-select")
	}
}

func TestStubCompositeConflictKey(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	insert := "INSERT INTO outcomes(subject_id, milestone, payload) VALUES($1,$2,$3) ON CONFLICT (subject_id, milestone) DO UPDATE SET payload=EXCLUDED.payload"
	for _, args := range [][]string{{"h", "imprinting", "v1"}, {"h", "weaning", "v1"}, {"h", "imprinting", "v2"}} {
		if _, err := conn.ExecContext(ctx, insert, []driver.NamedValue{{Value: args[0]}, {Value: args[1]}, {Value: args[2]}}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	rows := conn.Rows("outcomes")
	if len(rows) != 2 {
		t.Fatalf("expected one row per (subject, milestone), got %v", rows)
	}
	for _, row := range rows {
		if row["milestone"] == "imprinting" && row["payload"] != "v2" {
			t.Fatalf("expected imprinting upserted, got %v", row)
		}
	}
}

func TestStubTransactionStagesWrites(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	insert := "INSERT INTO items(id) VALUES($1)"

	tx, err := conn.BeginTx(ctx, driver.TxOptions{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := conn.ExecContext(ctx, insert, []driver.NamedValue{{Value: "a"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(conn.Rows("items")) != 0 {
		t.Fatalf("staged write visible before commit")
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(conn.Rows("items")) != 0 {
		t.Fatalf("rolled back write persisted")
	}

	tx, _ = conn.BeginTx(ctx, driver.TxOptions{})
	_, _ = conn.ExecContext(ctx, insert, []driver.NamedValue{{Value: "b"}})
	conn.FailCommit = true
	if err := tx.Commit(); err == nil {
		t.Fatalf("expected commit failure")
	}
	if len(conn.Rows("items")) != 0 {
		t.Fatalf("failed commit persisted writes")
	}

	conn.FailCommit = false
	tx, _ = conn.BeginTx(ctx, driver.TxOptions{})
	_, _ = conn.ExecContext(ctx, insert, []driver.NamedValue{{Value: "c"}})
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if rows := conn.Rows("items"); len(rows) != 1 || rows[0]["id"] != "c" {
		t.Fatalf("expected committed row, got %v", rows)
	}
}
