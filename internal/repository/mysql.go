package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/securevote/config"
	"github.com/lvdashuaibi/securevote/internal/model"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id          BIGINT AUTO_INCREMENT PRIMARY KEY,
		event_type  VARCHAR(64) NOT NULL,
		voter_id    VARCHAR(32) NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		occurred_at DATETIME(6) NOT NULL,
		KEY idx_occurred_at (occurred_at)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS election_config (
		id         TINYINT PRIMARY KEY,
		is_active  BOOLEAN NOT NULL,
		updated_by VARCHAR(32) NOT NULL DEFAULT '',
		updated_at DATETIME(6) NOT NULL
	) ENGINE=InnoDB`,
	// 新部署默认开放投票
	`INSERT IGNORE INTO election_config (id, is_active, updated_at) VALUES (1, TRUE, NOW(6))`,
}

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func openMySQL(dsn string, cfg config.MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func NewMySQLRepository(cfg config.MySQLConfig) (*MySQLRepository, error) {
	masterDB, err := openMySQL(cfg.Master, cfg)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}
	if err = masterDB.Ping(); err != nil {
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB := masterDB
	if cfg.Slave != "" {
		slaveDB, err = openMySQL(cfg.Slave, cfg)
		if err != nil {
			return nil, fmt.Errorf("连接从数据库失败: %w", err)
		}
		if err = slaveDB.Ping(); err != nil {
			log.Printf("从数据库连接测试失败: %v，将使用主数据库代替", err)
			slaveDB.Close()
			slaveDB = masterDB
		}
	}

	return &MySQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
	}, nil
}

// Master 主库连接，账本写入共用
func (r *MySQLRepository) Master() *sql.DB {
	return r.masterDB
}

// Slave 从库连接
func (r *MySQLRepository) Slave() *sql.DB {
	return r.slaveDB
}

// EnsureSchema 创建审计日志和选举配置表
func (r *MySQLRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.masterDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("初始化数据库表失败: %w", err)
		}
	}
	return nil
}

// SaveAuditLog 写入审计日志
func (r *MySQLRepository) SaveAuditLog(ctx context.Context, event *model.AuditEvent) error {
	_, err := r.masterDB.ExecContext(ctx,
		"INSERT INTO audit_logs (event_type, voter_id, description, occurred_at) VALUES (?, ?, ?, ?)",
		event.EventType, event.VoterID, event.Description, event.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("写入审计日志失败: %w", err)
	}
	return nil
}

// ListAuditLogs 按时间倒序返回最近的审计日志
func (r *MySQLRepository) ListAuditLogs(ctx context.Context, limit int) ([]*model.AuditEvent, error) {
	rows, err := r.slaveDB.QueryContext(ctx,
		"SELECT id, event_type, voter_id, description, occurred_at FROM audit_logs ORDER BY occurred_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("查询审计日志失败: %w", err)
	}
	defer rows.Close()

	var events []*model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.VoterID, &e.Description, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("扫描审计日志失败: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代审计日志失败: %w", err)
	}
	return events, nil
}

// IsElectionActive 查询选举是否开放
func (r *MySQLRepository) IsElectionActive(ctx context.Context) (bool, error) {
	var active bool
	err := r.masterDB.QueryRowContext(ctx, "SELECT is_active FROM election_config WHERE id = 1").Scan(&active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("查询选举状态失败: %w", err)
	}
	return active, nil
}

// SetElectionActive 开放或关闭选举
func (r *MySQLRepository) SetElectionActive(ctx context.Context, active bool, actorID string) error {
	_, err := r.masterDB.ExecContext(ctx,
		`INSERT INTO election_config (id, is_active, updated_by, updated_at) VALUES (1, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE is_active = VALUES(is_active), updated_by = VALUES(updated_by), updated_at = VALUES(updated_at)`,
		active, actorID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("更新选举状态失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() error {
	if r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
	return r.masterDB.Close()
}
