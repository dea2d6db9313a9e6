package notifier

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// PlatformCredentials 各社交平台的凭证数据
type PlatformCredentials struct {
	GmailUser          string `json:"gmail_user,omitempty"`
	GmailAppPassword   string `json:"gmail_app_password,omitempty"`
	ThreadsUserID      string `json:"threads_user_id,omitempty"`
	ThreadsAccessToken string `json:"threads_access_token,omitempty"`
	DiscordWebhookURL  string `json:"discord_webhook_url,omitempty"`
}

// CredentialStore 凭证存储管理器
//
// 社交平台凭证持久化到本地 JSON 文件，优先级高于环境变量配置。
type CredentialStore struct {
	mu     sync.Mutex
	path   string
	creds  PlatformCredentials
	logger *zap.Logger
}

// NewCredentialStore 创建凭证存储并加载现有数据
func NewCredentialStore(path string, logger *zap.Logger) *CredentialStore {
	s := &CredentialStore{path: path, logger: logger}
	s.load()
	return s
}

// load 从 JSON 文件加载凭证
func (s *CredentialStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Failed to read credentials file",
				zap.String("path", s.path),
				zap.Error(err),
			)
		}
		return
	}
	if err := json.Unmarshal(data, &s.creds); err != nil {
		s.logger.Error("Failed to parse credentials file",
			zap.String("path", s.path),
			zap.Error(err),
		)
	}
}

// save 将内存中的凭证写回文件系统
func (s *CredentialStore) save() {
	data, err := json.MarshalIndent(s.creds, "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal credentials", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Error("Failed to create credentials dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		s.logger.Error("Failed to write credentials file",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("Credentials saved", zap.String("path", s.path))
}

// Credentials 当前凭证的副本
func (s *CredentialStore) Credentials() PlatformCredentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// UpdateGmail 更新 Gmail 账号与应用密码
func (s *CredentialStore) UpdateGmail(user, appPassword string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.GmailUser = user
	s.creds.GmailAppPassword = appPassword
	s.save()
}

// UpdateThreads 更新 Threads API 凭证
func (s *CredentialStore) UpdateThreads(userID, accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.ThreadsUserID = userID
	s.creds.ThreadsAccessToken = accessToken
	s.save()
}

// UpdateDiscord 更新 Discord Webhook URL
func (s *CredentialStore) UpdateDiscord(webhookURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.DiscordWebhookURL = webhookURL
	s.save()
}

// ClearGmail 清除 Gmail 凭证
func (s *CredentialStore) ClearGmail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.GmailUser = ""
	s.creds.GmailAppPassword = ""
	s.save()
}

// ClearThreads 清除 Threads 凭证
func (s *CredentialStore) ClearThreads() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.ThreadsUserID = ""
	s.creds.ThreadsAccessToken = ""
	s.save()
}

// ClearDiscord 清除 Discord Webhook
func (s *CredentialStore) ClearDiscord() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.DiscordWebhookURL = ""
	s.save()
}
