package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/securevote/internal/model"
)

const (
	mysqlDuplicateEntry = 1062

	createBlocksTable = `CREATE TABLE IF NOT EXISTS ledger_blocks (
		block_index     BIGINT UNSIGNED NOT NULL PRIMARY KEY,
		idempotency_key VARCHAR(128) NULL,
		current_hash    VARCHAR(64) NOT NULL,
		previous_hash   VARCHAR(64) NOT NULL,
		timestamp_ns    BIGINT NOT NULL,
		payload         BLOB NOT NULL,
		UNIQUE KEY uk_idempotency_key (idempotency_key),
		UNIQUE KEY uk_current_hash (current_hash)
	) ENGINE=InnoDB`

	blockColumns = "block_index, current_hash, previous_hash, timestamp_ns, payload"
)

// MySQLLedger 基于MySQL的账本，追加通过锁定链尾行串行化
type MySQLLedger struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
	now      func() time.Time
}

// NewMySQLLedger 建表并在空链上写入创世区块
func NewMySQLLedger(ctx context.Context, masterDB, slaveDB *sql.DB) (*MySQLLedger, error) {
	if slaveDB == nil {
		slaveDB = masterDB
	}
	l := &MySQLLedger{masterDB: masterDB, slaveDB: slaveDB, now: time.Now}

	if _, err := masterDB.ExecContext(ctx, createBlocksTable); err != nil {
		return nil, fmt.Errorf("创建账本表失败: %w", err)
	}

	genesis := NewGenesis(l.now())
	// 多实例同时启动时只有一个创世区块能写入
	_, err := masterDB.ExecContext(ctx,
		"INSERT IGNORE INTO ledger_blocks (block_index, idempotency_key, current_hash, previous_hash, timestamp_ns, payload) VALUES (0, NULL, ?, ?, ?, ?)",
		genesis.CurrentHash, genesis.PreviousHash, genesis.Timestamp.UnixNano(), genesis.Payload,
	)
	if err != nil {
		return nil, fmt.Errorf("写入创世区块失败: %w", err)
	}

	return l, nil
}

func (l *MySQLLedger) Append(ctx context.Context, key string, payload []byte) (*model.Block, error) {
	tx, err := l.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: 开始事务失败: %w", ErrUnavailable, err)
	}

	// 锁住链尾，同一时刻只有一个追加
	head, err := scanBlock(tx.QueryRowContext(ctx,
		"SELECT "+blockColumns+" FROM ledger_blocks ORDER BY block_index DESC LIMIT 1 FOR UPDATE"))
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("%w: 读取链尾失败: %w", ErrUnavailable, err)
	}

	existing, err := scanBlock(tx.QueryRowContext(ctx,
		"SELECT "+blockColumns+" FROM ledger_blocks WHERE idempotency_key = ?", key))
	switch {
	case err == nil:
		tx.Rollback()
		return nil, &ConflictError{Key: key, Existing: existing}
	case !errors.Is(err, sql.ErrNoRows):
		tx.Rollback()
		return nil, fmt.Errorf("%w: 查询幂等键失败: %w", ErrUnavailable, err)
	}

	block := NextBlock(head, l.now(), payload)
	_, err = tx.ExecContext(ctx,
		"INSERT INTO ledger_blocks (block_index, idempotency_key, current_hash, previous_hash, timestamp_ns, payload) VALUES (?, ?, ?, ?, ?, ?)",
		block.Index, key, block.CurrentHash, block.PreviousHash, block.Timestamp.UnixNano(), block.Payload,
	)
	if err != nil {
		tx.Rollback()
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			// 唯一索引兜底：另一个事务已提交同一幂等键
			if prior, getErr := l.getByKey(ctx, l.masterDB, key); getErr == nil {
				return nil, &ConflictError{Key: key, Existing: prior}
			}
		}
		return nil, fmt.Errorf("%w: 写入区块失败: %w", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: 提交事务失败: %w", ErrUnavailable, err)
	}

	log.Printf("区块 %d 已写入账本: %s", block.Index, block.CurrentHash)
	return block, nil
}

func (l *MySQLLedger) Get(ctx context.Context, hash string) (*model.Block, error) {
	block, err := scanBlock(l.slaveDB.QueryRowContext(ctx,
		"SELECT "+blockColumns+" FROM ledger_blocks WHERE current_hash = ?", hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: 查询区块失败: %w", ErrUnavailable, err)
	}
	return block, nil
}

func (l *MySQLLedger) GetByKey(ctx context.Context, key string) (*model.Block, error) {
	// 读主库，刚写入的区块不能因为复制延迟而查不到
	return l.getByKey(ctx, l.masterDB, key)
}

func (l *MySQLLedger) getByKey(ctx context.Context, db *sql.DB, key string) (*model.Block, error) {
	block, err := scanBlock(db.QueryRowContext(ctx,
		"SELECT "+blockColumns+" FROM ledger_blocks WHERE idempotency_key = ?", key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: 查询幂等键失败: %w", ErrUnavailable, err)
	}
	return block, nil
}

func (l *MySQLLedger) Blocks(ctx context.Context) ([]*model.Block, error) {
	rows, err := l.slaveDB.QueryContext(ctx, "SELECT "+blockColumns+" FROM ledger_blocks ORDER BY block_index")
	if err != nil {
		return nil, fmt.Errorf("%w: 查询区块链失败: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var blocks []*model.Block
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描区块失败: %w", err)
		}
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代区块失败: %w", err)
	}
	return blocks, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBlock(row rowScanner) (*model.Block, error) {
	var (
		b  model.Block
		ns int64
	)
	if err := row.Scan(&b.Index, &b.CurrentHash, &b.PreviousHash, &ns, &b.Payload); err != nil {
		return nil, err
	}
	b.Timestamp = time.Unix(0, ns)
	return &b, nil
}
