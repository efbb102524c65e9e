package route

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	// SQLiteドライバの登録
	_ "modernc.org/sqlite"

	"github.com/nao1215/unigate/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore はSQLiteのroutesテーブルにルート定義を保持するStore。
type SQLiteStore struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// OpenSQLite はSQLiteを開き、マイグレーションを適用したStoreを返す。
func OpenSQLite(ctx context.Context, dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは書き込みが直列化されるため接続を1つに絞る
	db.SetMaxOpenConns(1)

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Name は"sqlite"を返す。
func (s *SQLiteStore) Name() string {
	return "sqlite"
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load はposition順にルート定義を読み込む。
func (s *SQLiteStore) Load(ctx context.Context) ([]Route, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, backend, pattern, methods, target_url, required_role, public, service_name, rate_limit, rate_window_ms
		FROM routes
		ORDER BY position, id
	`)
	if err != nil {
		return nil, fmt.Errorf("ルートの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var routes []Route
	for rows.Next() {
		var (
			r       Route
			methods string
			public  int
			limit   sql.NullInt64
			window  sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Backend, &r.Pattern, &methods, &r.TargetURL, &r.RequiredRole, &public, &r.ServiceName, &limit, &window); err != nil {
			return nil, fmt.Errorf("ルートの読み取りに失敗: %w", err)
		}
		if methods != "" {
			r.Methods = strings.Split(methods, ",")
		}
		r.Public = public != 0
		if limit.Valid && window.Valid {
			r.RateLimit = &RateLimit{Limit: int(limit.Int64), Window: time.Duration(window.Int64) * time.Millisecond}
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// Replace はルート定義をすべて置き換える。routesの並び順が評価順になる。
func (s *SQLiteStore) Replace(ctx context.Context, routes []Route) error {
	if _, err := NewTable(routes, s.Name()); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM routes"); err != nil {
		return fmt.Errorf("既存ルートの削除に失敗: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO routes (id, position, backend, pattern, methods, target_url, required_role, public, service_name, rate_limit, rate_window_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("INSERT文の準備に失敗: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, r := range routes {
		var limit, window sql.NullInt64
		if r.RateLimit != nil {
			limit = sql.NullInt64{Int64: int64(r.RateLimit.Limit), Valid: true}
			window = sql.NullInt64{Int64: r.RateLimit.Window.Milliseconds(), Valid: true}
		}
		public := 0
		if r.Public {
			public = 1
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, i, r.Backend, r.Pattern, strings.Join(r.Methods, ","), r.TargetURL,
			r.RequiredRole, public, r.ServiceName, limit, window,
		); err != nil {
			return fmt.Errorf("ルート %q の保存に失敗: %w", r.ID, err)
		}
	}

	return tx.Commit()
}
