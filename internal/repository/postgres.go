package repository

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"time"

	"github.com/lvdashuaibi/securevote/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrVoterNotFound = errors.New("选民不存在")

// VoterRecord 选民名册表
type VoterRecord struct {
	VoterID         string `gorm:"primaryKey;size:16"`
	Identifier      string `gorm:"size:32;not null"`
	DistrictID      string `gorm:"size:16;not null;index"`
	Role            string `gorm:"size:16;not null;default:Voter"`
	FirstName       string `gorm:"size:64"`
	LastName        string `gorm:"size:64"`
	HasVoted        bool   `gorm:"not null;default:false"`
	CredentialRef   string `gorm:"size:140"`
	FingerprintHash string `gorm:"size:64"`
	UpdatedAt       time.Time
}

func (VoterRecord) TableName() string {
	return "voters"
}

func (r *VoterRecord) toIdentity() *model.VoterIdentity {
	return &model.VoterIdentity{
		VoterID:         r.VoterID,
		Identifier:      r.Identifier,
		DistrictID:      r.DistrictID,
		Role:            r.Role,
		FirstName:       r.FirstName,
		LastName:        r.LastName,
		HasVoted:        r.HasVoted,
		CredentialRef:   r.CredentialRef,
		FingerprintHash: r.FingerprintHash,
	}
}

// DirectoryRepository 选民名册(Directory Service)，投票流程只读，仅回写has_voted缓存
type DirectoryRepository struct {
	db *gorm.DB
}

func NewDirectoryRepository(dsn string) (*DirectoryRepository, error) {
	// 只记录错误，避免SQL刷屏
	newLogger := logger.New(
		stdlog.New(os.Stdout, "", stdlog.LstdFlags),
		logger.Config{
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newLogger})
	if err != nil {
		return nil, fmt.Errorf("连接选民名册数据库失败: %w", err)
	}
	return &DirectoryRepository{db: db}, nil
}

// AutoMigrate 创建选民名册表
func (r *DirectoryRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&VoterRecord{})
}

// Lookup 按选民编号查询身份
func (r *DirectoryRepository) Lookup(ctx context.Context, voterID string) (*model.VoterIdentity, error) {
	var rec VoterRecord
	err := r.db.WithContext(ctx).Where("voter_id = ?", voterID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVoterNotFound
		}
		return nil, fmt.Errorf("查询选民失败: %w", err)
	}
	return rec.toIdentity(), nil
}

// MarkVoted 回写has_voted缓存，权威记录在账本
func (r *DirectoryRepository) MarkVoted(ctx context.Context, voterID string) error {
	result := r.db.WithContext(ctx).Model(&VoterRecord{}).
		Where("voter_id = ?", voterID).
		Update("has_voted", true)
	if result.Error != nil {
		return fmt.Errorf("更新选民投票状态失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVoterNotFound
	}
	return nil
}

// Close 关闭数据库连接
func (r *DirectoryRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
