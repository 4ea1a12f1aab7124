package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Open connects to MySQL and verifies the connection.
func Open(user, pass, host, port, name string) (*sql.DB, error) {
	auth := user
	if pass != "" {
		auth = fmt.Sprintf("%s:%s", user, pass)
	}
	// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
	dsn := fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		auth, host, port, name)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	// Pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	// Ping with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// Bootstrap creates the tables the service needs when they do not exist
// yet.  Statements are idempotent so startup is safe on every deploy.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			stream_id      VARCHAR(255) NOT NULL,
			version        INT          NOT NULL,
			event_type     VARCHAR(100) NOT NULL,
			payload        JSON         NOT NULL,
			schema_version INT          NOT NULL DEFAULT 1,
			occurred_at    DATETIME(6)  NOT NULL,
			PRIMARY KEY (stream_id, version)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS processed_commands (
			command_id   VARCHAR(100) NOT NULL,
			command_type VARCHAR(100) NOT NULL,
			status       VARCHAR(20)  NOT NULL,
			error_code   VARCHAR(100) NULL,
			created_at   DATETIME(6)  NOT NULL,
			completed_at DATETIME(6)  NULL,
			PRIMARY KEY (command_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS active_hard_locks (
			reservation_id  VARCHAR(100)   NOT NULL,
			warehouse_id    VARCHAR(100)   NOT NULL,
			location        VARCHAR(100)   NOT NULL,
			sku             VARCHAR(100)   NOT NULL,
			hard_locked_qty DECIMAL(18,6)  NOT NULL,
			updated_at      DATETIME(6)    NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
			PRIMARY KEY (reservation_id, warehouse_id, location, sku),
			KEY idx_hard_locks_key (warehouse_id, location, sku)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS projection_rebuild_locks (
			projection_name VARCHAR(100) NOT NULL,
			holder          VARCHAR(100) NOT NULL,
			acquired_at     DATETIME(6)  NOT NULL,
			expires_at      DATETIME(6)  NOT NULL,
			PRIMARY KEY (projection_name)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS users (
			id            BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
			email         VARCHAR(255)    NOT NULL,
			password_hash VARCHAR(255)    NOT NULL,
			role          VARCHAR(20)     NOT NULL DEFAULT 'OPERATOR',
			is_active     TINYINT(1)      NOT NULL DEFAULT 1,
			created_at    DATETIME(6)     NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			updated_at    DATETIME(6)     NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
			PRIMARY KEY (id),
			UNIQUE KEY uq_users_email (email)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			id         BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
			user_id    BIGINT UNSIGNED NOT NULL,
			token_hash CHAR(64)        NOT NULL,
			expires_at DATETIME(6)     NOT NULL,
			revoked_at DATETIME(6)     NULL,
			created_at DATETIME(6)     NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			PRIMARY KEY (id),
			UNIQUE KEY uq_refresh_token_hash (token_hash),
			KEY idx_refresh_user (user_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}
