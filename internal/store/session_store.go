package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	sessionHistoryFile = "session_history.json"
	sessionStateFile   = "last_session_state.json"
)

// SessionRecord 已结束专注任务的存档记录
type SessionRecord struct {
	ID                    string `json:"id"`
	StartTime             string `json:"start_time"` // ISO 8601
	EndTime               string `json:"end_time"`   // ISO 8601
	DurationMinutes       int    `json:"duration_minutes"`
	Status                string `json:"status"` // COMPLETED / VIOLATED / CANCELLED
	ViolationCount        int    `json:"violation_count"`
	PenaltyLevel          string `json:"penalty_level,omitempty"`
	TotalFocusTimeSeconds int    `json:"total_focus_time_seconds"`
}

// Statistics 历史数据统计汇总
type Statistics struct {
	TotalSessions       int     `json:"total_sessions"`
	CompletedSessions   int     `json:"completed_sessions"`
	ViolatedSessions    int     `json:"violated_sessions"`
	CompletionRate      float64 `json:"completion_rate"`
	TotalFocusTimeHours float64 `json:"total_focus_time_hours"`
	AverageSessionMin   float64 `json:"average_session_minutes"`
}

// SessionStore 专注任务历史存储
//
// 历史记录为追加式 JSON 数组；另维护一份进行中任务的快照文件，
// 用于进程崩溃后的恢复。所有磁盘错误只记录日志，不向上传播。
type SessionStore struct {
	mu          sync.Mutex
	historyPath string
	statePath   string
	history     []SessionRecord
	logger      *zap.Logger
}

// NewSessionStore 创建历史存储并加载已有记录
func NewSessionStore(dataDir string, logger *zap.Logger) *SessionStore {
	s := &SessionStore{
		historyPath: filepath.Join(dataDir, sessionHistoryFile),
		statePath:   filepath.Join(dataDir, sessionStateFile),
		logger:      logger,
	}
	s.loadHistory()
	return s
}

// loadHistory 从磁盘加载全部历史记录
func (s *SessionStore) loadHistory() {
	data, err := os.ReadFile(s.historyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Failed to read session history",
				zap.String("path", s.historyPath),
				zap.Error(err),
			)
		}
		return
	}

	var records []SessionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Error("Failed to parse session history",
			zap.String("path", s.historyPath),
			zap.Error(err),
		)
		return
	}
	s.history = records
}

// saveHistory 将当前全部记录写回磁盘
func (s *SessionStore) saveHistory() {
	data, err := json.MarshalIndent(s.history, "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal session history", zap.Error(err))
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.historyPath), 0o755); err != nil {
		s.logger.Error("Failed to create data dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(s.historyPath, data, 0o644); err != nil {
		s.logger.Error("Failed to write session history",
			zap.String("path", s.historyPath),
			zap.Error(err),
		)
	}
}

// Add 追加一笔已结束的任务记录
func (s *SessionStore) Add(record SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, record)
	s.saveHistory()
}

// History 取得历史记录清单（最新在前），支持分页与状态过滤
func (s *SessionStore) History(limit, offset int, statusFilter string) []SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := make([]SessionRecord, 0, len(s.history))
	for _, r := range s.history {
		if statusFilter == "" || r.Status == statusFilter {
			filtered = append(filtered, r)
		}
	}

	// 按启动时间降序（ISO 字符串可直接比较）
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].StartTime > filtered[j].StartTime
	})

	if offset >= len(filtered) {
		return []SessionRecord{}
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end]
}

// Stats 汇总历史数据统计
func (s *SessionStore) Stats() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Statistics{}
	total := len(s.history)
	if total == 0 {
		return stats
	}

	totalFocusSeconds := 0
	totalMinutes := 0
	for _, r := range s.history {
		switch r.Status {
		case "COMPLETED":
			stats.CompletedSessions++
		case "VIOLATED":
			stats.ViolatedSessions++
		}
		totalFocusSeconds += r.TotalFocusTimeSeconds
		totalMinutes += r.DurationMinutes
	}

	stats.TotalSessions = total
	stats.CompletionRate = round1(float64(stats.CompletedSessions) / float64(total) * 100)
	stats.TotalFocusTimeHours = round2(float64(totalFocusSeconds) / 3600)
	stats.AverageSessionMin = round1(float64(totalMinutes) / float64(total))
	return stats
}

// SaveSessionState 保存进行中任务的快照（崩溃恢复用，尽力而为）
func (s *SessionStore) SaveSessionState(state map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal session state", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		s.logger.Error("Failed to create data dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(s.statePath, data, 0o644); err != nil {
		s.logger.Error("Failed to write session state",
			zap.String("path", s.statePath),
			zap.Error(err),
		)
	}
}

// LoadSessionState 加载上次保存的任务快照，不存在时返回 nil
func (s *SessionStore) LoadSessionState() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Failed to read session state",
				zap.String("path", s.statePath),
				zap.Error(err),
			)
		}
		return nil
	}

	var state map[string]interface{}
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Error("Failed to parse session state",
			zap.String("path", s.statePath),
			zap.Error(err),
		)
		return nil
	}
	return state
}

// ClearSessionState 删除已恢复或不再需要的快照文件
func (s *SessionStore) ClearSessionState() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.statePath); err != nil && !os.IsNotExist(err) {
		s.logger.Error("Failed to remove session state file",
			zap.String("path", s.statePath),
			zap.Error(err),
		)
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
