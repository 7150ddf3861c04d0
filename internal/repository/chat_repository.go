package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hr-smart-go/internal/apperr"
	"hr-smart-go/internal/model"
	"hr-smart-go/pkg/log"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// 历史缓存最多保留的条目数，与提示组装窗口解耦。
const historyCacheMax = 20

// ChatRepository 定义了会话与消息的数据操作接口。
// MySQL 为权威存储，Redis 仅缓存最近历史用于提示组装。
type ChatRepository interface {
	CreateSession(ctx context.Context, s *model.ChatSession) error
	// FindSession 按会话 ID 与归属员工查找；不存在返回 apperr.ErrNotFound。
	FindSession(ctx context.Context, id, employeeID string) (*model.ChatSession, error)
	ListSessions(ctx context.Context, employeeID string, page, limit int) ([]*model.ChatSession, int64, error)
	// DeleteSession 删除会话并级联删除其全部消息。
	DeleteSession(ctx context.Context, id, employeeID string) error
	ListMessages(ctx context.Context, sessionID string) ([]*model.ChatMessage, error)
	// RecentHistory 返回会话最近 n 条消息（时间升序），优先命中 Redis 缓存。
	RecentHistory(ctx context.Context, sessionID string, n int) ([]model.HistoryMessage, error)
	// AppendExchange 在一个事务中写入用户/助手消息对并将会话计数 +2。
	AppendExchange(ctx context.Context, sessionID string, userMsg, assistantMsg *model.ChatMessage) error
}

type chatRepository struct {
	db          *gorm.DB
	redisClient *redis.Client
	historyTTL  time.Duration
}

// NewChatRepository 创建一个新的 ChatRepository 实例。
func NewChatRepository(db *gorm.DB, redisClient *redis.Client, historyTTL time.Duration) ChatRepository {
	if historyTTL <= 0 {
		historyTTL = 7 * 24 * time.Hour
	}
	return &chatRepository{db: db, redisClient: redisClient, historyTTL: historyTTL}
}

// CreateSession 创建一个新的会话记录。
func (r *chatRepository) CreateSession(ctx context.Context, s *model.ChatSession) error {
	if s.SessionMetadata == nil {
		s.SessionMetadata = model.JSONMap{}
	}
	return r.db.WithContext(ctx).Create(s).Error
}

// FindSession 按会话 ID 与归属员工查找会话。
func (r *chatRepository) FindSession(ctx context.Context, id, employeeID string) (*model.ChatSession, error) {
	var s model.ChatSession
	err := r.db.WithContext(ctx).
		Where("id = ? AND employee_id = ?", id, employeeID).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions 分页返回某员工的会话列表，按开始时间倒序。
func (r *chatRepository) ListSessions(ctx context.Context, employeeID string, page, limit int) ([]*model.ChatSession, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	q := r.db.WithContext(ctx).Model(&model.ChatSession{}).Where("employee_id = ?", employeeID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var sessions []*model.ChatSession
	err := q.Order("started_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// DeleteSession 在事务中删除会话及其全部消息，并清理历史缓存。
func (r *chatRepository) DeleteSession(ctx context.Context, id, employeeID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND employee_id = ?", id, employeeID).Delete(&model.ChatSession{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.ErrNotFound
		}
		return tx.Where("session_id = ?", id).Delete(&model.ChatMessage{}).Error
	})
	if err != nil {
		return err
	}
	if cacheErr := r.redisClient.Del(ctx, r.historyKey(id)).Err(); cacheErr != nil {
		log.Warnf("[ChatRepository] 清理会话历史缓存失败 (session=%s): %v", id, cacheErr)
	}
	return nil
}

// ListMessages 返回会话的全部消息，按创建时间升序。
func (r *chatRepository) ListMessages(ctx context.Context, sessionID string) ([]*model.ChatMessage, error) {
	var messages []*model.ChatMessage
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	return messages, err
}

// RecentHistory 返回会话最近 n 条消息。缓存未命中时回源 MySQL 并回填。
func (r *chatRepository) RecentHistory(ctx context.Context, sessionID string, n int) ([]model.HistoryMessage, error) {
	if n <= 0 {
		n = 10
	}

	key := r.historyKey(sessionID)
	jsonData, err := r.redisClient.Get(ctx, key).Result()
	if err == nil {
		var cached []model.HistoryMessage
		if unmarshalErr := json.Unmarshal([]byte(jsonData), &cached); unmarshalErr == nil {
			return tailHistory(cached, n), nil
		}
		log.Warnf("[ChatRepository] 会话历史缓存损坏，回源数据库 (session=%s)", sessionID)
	} else if err != redis.Nil {
		// Redis 故障不阻塞会话流程，直接回源
		log.Warnf("[ChatRepository] 读取会话历史缓存失败 (session=%s): %v", sessionID, err)
	}

	messages, err := r.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session messages: %w", err)
	}

	history := make([]model.HistoryMessage, 0, len(messages))
	for _, m := range messages {
		history = append(history, model.HistoryMessage{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}
	r.fillHistoryCache(ctx, sessionID, history)
	return tailHistory(history, n), nil
}

// AppendExchange 原子地写入一对消息并将会话计数 +2。
// 事务成功后更新历史缓存；缓存失败只记录日志。
func (r *chatRepository) AppendExchange(ctx context.Context, sessionID string, userMsg, assistantMsg *model.ChatMessage) error {
	if userMsg.Metadata == nil {
		userMsg.Metadata = model.JSONMap{}
	}
	if assistantMsg.Metadata == nil {
		assistantMsg.Metadata = model.JSONMap{}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(userMsg).Error; err != nil {
			return err
		}
		if err := tx.Create(assistantMsg).Error; err != nil {
			return err
		}
		res := tx.Model(&model.ChatSession{}).
			Where("id = ?", sessionID).
			Update("total_messages", gorm.Expr("total_messages + ?", 2))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.appendHistoryCache(ctx, sessionID,
		model.HistoryMessage{Role: userMsg.Role, Content: userMsg.Content, Timestamp: userMsg.CreatedAt},
		model.HistoryMessage{Role: assistantMsg.Role, Content: assistantMsg.Content, Timestamp: assistantMsg.CreatedAt},
	)
	return nil
}

func (r *chatRepository) historyKey(sessionID string) string {
	return fmt.Sprintf("session:%s:history", sessionID)
}

func (r *chatRepository) fillHistoryCache(ctx context.Context, sessionID string, history []model.HistoryMessage) {
	if len(history) > historyCacheMax {
		history = history[len(history)-historyCacheMax:]
	}
	jsonData, err := json.Marshal(history)
	if err != nil {
		return
	}
	if err := r.redisClient.Set(ctx, r.historyKey(sessionID), jsonData, r.historyTTL).Err(); err != nil {
		log.Warnf("[ChatRepository] 回填会话历史缓存失败 (session=%s): %v", sessionID, err)
	}
}

func (r *chatRepository) appendHistoryCache(ctx context.Context, sessionID string, msgs ...model.HistoryMessage) {
	key := r.historyKey(sessionID)
	jsonData, err := r.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warnf("[ChatRepository] 读取会话历史缓存失败 (session=%s): %v", sessionID, err)
		}
		// 缓存缺失时不强行重建，下次 RecentHistory 回源时回填
		return
	}
	var history []model.HistoryMessage
	if err := json.Unmarshal([]byte(jsonData), &history); err != nil {
		_ = r.redisClient.Del(ctx, key).Err()
		return
	}
	history = append(history, msgs...)
	r.fillHistoryCache(ctx, sessionID, history)
}

// tailHistory 返回最近 n 条。
func tailHistory(history []model.HistoryMessage, n int) []model.HistoryMessage {
	if len(history) > n {
		return history[len(history)-n:]
	}
	return history
}
