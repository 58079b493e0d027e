// Package store 负责清单与任务的持久化。
//
// 卡牌清单和任务各占一张表，以共享的清单令牌为主键。清单内容和
// 任务条目是嵌套结构，整体按 JSON 存进文本列：它们总是整份读写，
// 没有按条目查询的需求，拆表只会增加迁移负担。
package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"cardhunter/internal/model"
)

// ErrNotFound 表示令牌对应的记录不存在。
var ErrNotFound = errors.New("record not found")

// tokenAlphabet 清单令牌的字符集：小写字母加数字，适合放进 URL。
const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// maxTokenAttempts 令牌碰撞时的重试上限。
//
// 6 位 36 字符的空间约 22 亿，正常负载下碰撞一次都罕见；连续
// 用尽重试说明令牌空间已接近饱和或随机源异常，直接报错。
const maxTokenAttempts = 5

// CardListRecord 是清单表的行结构。
type CardListRecord struct {
	Token     string    `gorm:"type:varchar(16);primaryKey"` // 清单令牌
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Visibility string `gorm:"type:varchar(16);not null;default:private"` // public / private
	Cards      string `gorm:"type:mediumtext"`                           // 卡牌列表的 JSON
}

func (CardListRecord) TableName() string { return "card_lists" }

// TaskRecord 是任务表的行结构。
//
// 任务与清单一一对应，复用清单令牌作主键。
type TaskRecord struct {
	Token     string    `gorm:"type:varchar(16);primaryKey"` // 清单令牌
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Status  string `gorm:"type:varchar(16);not null;default:need_update"` // need_update / updated
	Entries string `gorm:"type:mediumtext"`                               // 任务条目的 JSON
}

func (TaskRecord) TableName() string { return "tasks" }

// Store 封装清单与任务的读写。
type Store struct {
	db       *gorm.DB
	tokenLen int
}

// OpenMySQL 按 DSN 建立 MySQL 连接，GORM 自身的日志保持静默。
func OpenMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
}

// New 创建存储层并执行自动迁移。
//
// 参数:
//
//	db: 数据库连接
//	tokenLen: 新清单令牌的长度（<= 0 时取 6）
//
// 返回值:
//
//	*Store: 存储实例
//	error: 迁移失败返回错误
func New(db *gorm.DB, tokenLen int) (*Store, error) {
	if err := db.AutoMigrate(&CardListRecord{}, &TaskRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if tokenLen <= 0 {
		tokenLen = 6
	}
	return &Store{db: db, tokenLen: tokenLen}, nil
}

// CreateList 生成新令牌并保存清单，返回带令牌的清单。
func (s *Store) CreateList(ctx context.Context, visibility string, cards []*model.Card) (*model.CardList, error) {
	if visibility == "" {
		visibility = model.VisibilityPrivate
	}

	payload, err := marshalCards(cards)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := newToken(s.tokenLen)
		if err != nil {
			return nil, err
		}

		record := &CardListRecord{Token: token, Visibility: visibility, Cards: payload}
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue // 令牌碰撞，换一个再试
		}
		return &model.CardList{Token: token, Visibility: visibility, Cards: cards}, nil
	}

	return nil, errors.New("token space exhausted")
}

// SaveList 覆盖保存一份已有清单。
func (s *Store) SaveList(ctx context.Context, list *model.CardList) error {
	payload, err := marshalCards(list.Cards)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"visibility", "cards", "updated_at"}),
	}).Create(&CardListRecord{
		Token:      list.Token,
		Visibility: list.Visibility,
		Cards:      payload,
	}).Error
}

// GetList 按令牌读取清单。
func (s *Store) GetList(ctx context.Context, token string) (*model.CardList, error) {
	var record CardListRecord
	err := s.db.WithContext(ctx).First(&record, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cards, err := unmarshalCards(record.Cards)
	if err != nil {
		return nil, err
	}
	return &model.CardList{Token: record.Token, Visibility: record.Visibility, Cards: cards}, nil
}

// DeleteList 删除清单以及挂在同一令牌下的任务。
//
// 令牌不存在时静默成功，删除是幂等操作。
func (s *Store) DeleteList(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&TaskRecord{}, "token = ?", token).Error; err != nil {
			return err
		}
		return tx.Delete(&CardListRecord{}, "token = ?", token).Error
	})
}

// ListTokens 返回所有清单令牌，按创建时间升序。
func (s *Store) ListTokens(ctx context.Context) ([]string, error) {
	var tokens []string
	err := s.db.WithContext(ctx).Model(&CardListRecord{}).
		Order("created_at asc").
		Pluck("token", &tokens).Error
	return tokens, err
}

// GetTask 按令牌读取任务。
func (s *Store) GetTask(ctx context.Context, token string) (*model.Task, error) {
	var record TaskRecord
	err := s.db.WithContext(ctx).First(&record, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	entries, err := unmarshalEntries(record.Entries)
	if err != nil {
		return nil, err
	}
	return &model.Task{Token: record.Token, Status: record.Status, Entries: entries}, nil
}

// SaveTask 以 upsert 方式保存任务。
//
// 任务在抓取过程中每完成一个条目就会保存一次，崩溃后能从上次
// 落盘的进度继续。
func (s *Store) SaveTask(ctx context.Context, task *model.Task) error {
	payload, err := marshalEntries(task.Entries)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "entries", "updated_at"}),
	}).Create(&TaskRecord{
		Token:   task.Token,
		Status:  task.Status,
		Entries: payload,
	}).Error
}

// newToken 生成一个随机令牌。
func newToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf), nil
}

func marshalCards(cards []*model.Card) (string, error) {
	if cards == nil {
		cards = []*model.Card{}
	}
	data, err := json.Marshal(cards)
	if err != nil {
		return "", fmt.Errorf("marshal cards: %w", err)
	}
	return string(data), nil
}

func unmarshalCards(payload string) ([]*model.Card, error) {
	if payload == "" {
		return nil, nil
	}
	var cards []*model.Card
	if err := json.Unmarshal([]byte(payload), &cards); err != nil {
		return nil, fmt.Errorf("unmarshal cards: %w", err)
	}
	return cards, nil
}

func marshalEntries(entries []*model.TaskEntry) (string, error) {
	if entries == nil {
		entries = []*model.TaskEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal task entries: %w", err)
	}
	return string(data), nil
}

func unmarshalEntries(payload string) ([]*model.TaskEntry, error) {
	if payload == "" {
		return nil, nil
	}
	var entries []*model.TaskEntry
	if err := json.Unmarshal([]byte(payload), &entries); err != nil {
		return nil, fmt.Errorf("unmarshal task entries: %w", err)
	}
	return entries, nil
}
