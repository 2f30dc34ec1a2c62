package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore is the flow.Store for deployments where several worker
// processes share one database.
type MySQLStore struct {
	sqlStore
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id         VARCHAR(128) NOT NULL,
		version    INT          NOT NULL,
		active     TINYINT(1)   NOT NULL DEFAULT 1,
		definition LONGBLOB     NOT NULL,
		created_at BIGINT       NOT NULL,
		updated_at BIGINT       NOT NULL,
		PRIMARY KEY (id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id                  VARCHAR(64)  NOT NULL,
		workflow_id         VARCHAR(128) NOT NULL,
		workflow_version    INT          NOT NULL,
		status              VARCHAR(32)  NOT NULL,
		started_at          BIGINT       NOT NULL,
		completed_at        BIGINT       NULL,
		retry_count         INT          NOT NULL DEFAULT 0,
		next_retry_at       BIGINT       NULL,
		error_message       TEXT         NOT NULL,
		parent_execution_id VARCHAR(64)  NOT NULL DEFAULT '',
		parent_node_id      VARCHAR(128) NOT NULL DEFAULT '',
		lease_owner         VARCHAR(64)  NOT NULL DEFAULT '',
		lease_until         BIGINT       NULL,
		waiting_signal_type VARCHAR(128) NOT NULL DEFAULT '',
		waiting_child_id    VARCHAR(64)  NOT NULL DEFAULT '',
		state               LONGBLOB     NOT NULL,
		PRIMARY KEY (id),
		KEY idx_executions_claim (status, lease_until, started_at),
		KEY idx_executions_workflow (workflow_id, started_at),
		KEY idx_executions_parent (parent_execution_id)
	)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id           VARCHAR(64)  NOT NULL,
		execution_id VARCHAR(64)  NOT NULL DEFAULT '',
		type         VARCHAR(128) NOT NULL,
		data         LONGBLOB     NULL,
		received_at  BIGINT       NOT NULL,
		processed    TINYINT(1)   NOT NULL DEFAULT 0,
		processed_by VARCHAR(64)  NOT NULL DEFAULT '',
		PRIMARY KEY (id),
		KEY idx_signals_pending (processed, type, received_at)
	)`,
	`CREATE TABLE IF NOT EXISTS dead_signals (
		id           VARCHAR(64)  NOT NULL,
		execution_id VARCHAR(64)  NOT NULL DEFAULT '',
		type         VARCHAR(128) NOT NULL,
		data         LONGBLOB     NULL,
		received_at  BIGINT       NOT NULL,
		reason       VARCHAR(255) NOT NULL,
		dead_at      BIGINT       NOT NULL,
		PRIMARY KEY (id)
	)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id           VARCHAR(64)  NOT NULL,
		workflow_id  VARCHAR(128) NOT NULL,
		rule         VARCHAR(128) NOT NULL,
		next_fire_at BIGINT       NOT NULL,
		active       TINYINT(1)   NOT NULL DEFAULT 1,
		created_at   BIGINT       NOT NULL,
		updated_at   BIGINT       NOT NULL,
		PRIMARY KEY (id),
		KEY idx_schedules_due (active, next_fire_at)
	)`,
	`CREATE TABLE IF NOT EXISTS logs (
		seq          BIGINT       NOT NULL AUTO_INCREMENT,
		execution_id VARCHAR(64)  NOT NULL,
		node_id      VARCHAR(128) NOT NULL DEFAULT '',
		level        VARCHAR(16)  NOT NULL,
		message      TEXT         NOT NULL,
		timestamp    BIGINT       NOT NULL,
		PRIMARY KEY (seq),
		KEY idx_logs_execution (execution_id, seq)
	)`,
}

// NewMySQLStore opens a MySQL database from a DSN
// ("user:pass@tcp(host:3306)/flowcore") and prepares the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.MultiStatements = false

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql %s: %w", cfg.Addr, err)
	}

	for _, stmt := range mysqlSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			name := stmt[:strings.IndexByte(stmt, '(')]
			return nil, fmt.Errorf("prepare mysql schema (%s): %w", strings.TrimSpace(name), err)
		}
	}
	return &MySQLStore{sqlStore{db: db}}, nil
}
