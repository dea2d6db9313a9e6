package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// dailyViolationFile 持久化文件名
const dailyViolationFile = "daily_violations.json"

// dailyViolationDoc 磁盘存储格式
type dailyViolationDoc struct {
	Count    int    `json:"count"`
	LastDate string `json:"last_date"` // YYYY-MM-DD
}

// DailyViolationStore 每日违规次数管理器
//
// 按本机日期分桶，隔天自动归零，数据持久化到 JSON 文件。
// 磁盘写入失败只记录日志，内存值仍然有效（进程内权威）。
type DailyViolationStore struct {
	mu       sync.Mutex
	path     string
	count    int
	lastDate string
	logger   *zap.Logger

	// 返回当前本地日期（ISO 格式），测试中可替换
	today func() string
}

// NewDailyViolationStore 创建每日违规存储器并加载历史数据
func NewDailyViolationStore(dataDir string, logger *zap.Logger) *DailyViolationStore {
	s := &DailyViolationStore{
		path:   filepath.Join(dataDir, dailyViolationFile),
		logger: logger,
		today: func() string {
			return time.Now().Format("2006-01-02")
		},
	}
	s.load()
	return s
}

// load 从磁盘加载违规数据
func (s *DailyViolationStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Failed to read daily violation file",
				zap.String("path", s.path),
				zap.Error(err),
			)
		}
		// 首次使用，初始化为今日
		s.lastDate = s.today()
		s.save()
		return
	}

	var doc dailyViolationDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Error("Failed to parse daily violation file",
			zap.String("path", s.path),
			zap.Error(err),
		)
		s.count = 0
		s.lastDate = ""
		return
	}

	s.count = doc.Count
	s.lastDate = doc.LastDate
	s.logger.Info("Loaded daily violation data",
		zap.String("date", s.lastDate),
		zap.Int("count", s.count),
	)
}

// save 将违规数据写回磁盘
func (s *DailyViolationStore) save() {
	doc := dailyViolationDoc{Count: s.count, LastDate: s.lastDate}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal daily violation data", zap.Error(err))
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Error("Failed to create data dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.logger.Error("Failed to write daily violation file",
			zap.String("path", s.path),
			zap.Error(err),
		)
	}
}

// checkDateReset 检查日期变更并归零，返回是否触发了重置
func (s *DailyViolationStore) checkDateReset() bool {
	today := s.today()
	if s.lastDate == today {
		return false
	}

	oldCount := s.count
	s.count = 0
	s.lastDate = today
	s.save()
	if oldCount > 0 {
		s.logger.Info("Daily violation count reset for new day",
			zap.Int("old_count", oldCount),
			zap.String("date", today),
		)
	}
	return true
}

// Increment 违规次数加一并返回当日新总数
func (s *DailyViolationStore) Increment() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkDateReset()
	s.count++
	s.save()
	return s.count
}

// Count 获取今日累计违规次数
func (s *DailyViolationStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkDateReset()
	return s.count
}

// Date 获取当前追踪的日期（ISO 格式）
func (s *DailyViolationStore) Date() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkDateReset()
	return s.lastDate
}

// String 调试输出
func (s *DailyViolationStore) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("daily_violations{date=%s count=%d}", s.lastDate, s.count)
}
