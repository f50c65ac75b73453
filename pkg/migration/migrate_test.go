package migration

import (
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

// newTestDB はテスト用のインメモリSQLiteデータベースを生成する。
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunAppliesInOrder(t *testing.T) {
	db := newTestDB(t)

	fsys := fstest.MapFS{
		"migrations/000002_add_column.up.sql": {
			Data: []byte("ALTER TABLE items ADD COLUMN name TEXT;"),
		},
		"migrations/000001_init.up.sql": {
			Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY);"),
		},
		"migrations/readme.txt": {
			Data: []byte("up.sql以外は無視される"),
		},
	}

	if err := Run(db, fsys, "migrations"); err != nil {
		t.Fatalf("マイグレーションの適用に失敗: %v", err)
	}

	// 逆順に定義しても000001が先に適用されていること
	if _, err := db.Exec("INSERT INTO items (id, name) VALUES (1, 'a')"); err != nil {
		t.Fatalf("適用後のテーブルへの挿入に失敗: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("バージョン管理テーブルの参照に失敗: %v", err)
	}
	if count != 2 {
		t.Errorf("適用されたマイグレーション数 = %d, want 2", count)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	db := newTestDB(t)

	fsys := fstest.MapFS{
		"migrations/000001_init.up.sql": {
			Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY);"),
		},
	}

	if err := Run(db, fsys, "migrations"); err != nil {
		t.Fatalf("1回目の適用に失敗: %v", err)
	}
	// 2回目はスキップされ、CREATE TABLEの重複エラーにならない
	if err := Run(db, fsys, "migrations"); err != nil {
		t.Fatalf("2回目の適用に失敗: %v", err)
	}
}

func TestRunInvalidSQL(t *testing.T) {
	db := newTestDB(t)

	fsys := fstest.MapFS{
		"migrations/000001_broken.up.sql": {
			Data: []byte("NOT VALID SQL;"),
		},
	}

	if err := Run(db, fsys, "migrations"); err == nil {
		t.Error("不正なSQLでエラーが返ること")
	}

	// 失敗したマイグレーションはバージョン記録されない
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("バージョン管理テーブルの参照に失敗: %v", err)
	}
	if count != 0 {
		t.Errorf("失敗したマイグレーションが記録されている: count = %d", count)
	}
}
