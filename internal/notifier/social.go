package notifier

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/Piau3425/IoTProject/internal/models"
	"github.com/Piau3425/IoTProject/internal/store"
)

const threadsAPIBase = "https://graph.threads.net/v1.0"

// SocialManager 社交平台整合管理器
//
// 负责 Gmail SMTP、Threads 官方 API 与 Discord Webhook 的处罚发送。
// 每个平台的失败单独捕获并计入汇总，绝不阻断惩罚事务本身。
type SocialManager struct {
	client *resty.Client
	creds  *CredentialStore
	daily  *store.DailyViolationStore
	logger *zap.Logger

	hostageDir string

	// 测试中可替换的出口
	threadsBaseURL string
	smtpAddr       string
	sendMail       func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSocialManager 创建社交平台管理器
func NewSocialManager(creds *CredentialStore, daily *store.DailyViolationStore, hostageDir string, logger *zap.Logger) *SocialManager {
	return &SocialManager{
		client:         resty.New().SetTimeout(30 * time.Second),
		creds:          creds,
		daily:          daily,
		logger:         logger,
		hostageDir:     hostageDir,
		threadsBaseURL: threadsAPIBase,
		smtpAddr:       "smtp.gmail.com:587",
		sendMail:       smtp.SendMail,
	}
}

// platformReady 检查指定平台是否具备可用凭证
func (m *SocialManager) platformReady(platform models.SocialPlatform) bool {
	c := m.creds.Credentials()
	switch platform {
	case models.PlatformDiscord:
		return c.DiscordWebhookURL != ""
	case models.PlatformThreads:
		return c.ThreadsUserID != "" && c.ThreadsAccessToken != ""
	case models.PlatformGmail:
		return c.GmailUser != "" && c.GmailAppPassword != ""
	}
	return false
}

// LoginStatus 汇总所有平台的凭证就绪状态
func (m *SocialManager) LoginStatus() map[string]bool {
	status := make(map[string]bool, len(models.AllPlatforms))
	for _, p := range models.AllPlatforms {
		status[string(p)] = m.platformReady(p)
	}
	return status
}

// composeMessage 组装平台处罚讯息（自定义内容 + 可选时间戳与违规次数后缀）
func (m *SocialManager) composeMessage(settings models.PenaltySettings, platform models.SocialPlatform) string {
	message, ok := settings.CustomMessages[string(platform)]
	if !ok || message == "" {
		message = "[系统警告] 专注协议遭到破坏！"
	}

	if settings.IncludeTimestamp {
		message = fmt.Sprintf("%s\n\n违规时间：%s", message, time.Now().Format("2006-01-02 15:04:05"))
	}
	if settings.IncludeViolationCount {
		message = fmt.Sprintf("%s\n\n今日累计违规次数：#%d", message, m.daily.Count())
	}
	return message
}

// ExecutePenalty 在所有已启用平台上执行公开处罚，返回各平台的成功与否
//
// 每次惩罚触发只调用一次；平台失败只记录，不重试。
func (m *SocialManager) ExecutePenalty(state *models.SystemState, hostagePath string) map[string]bool {
	results := map[string]bool{}

	enabled := state.PenaltySettings.EnabledPlatforms
	if len(enabled) == 0 {
		m.logger.Info("No platforms enabled, skipping penalty dispatch")
		return results
	}

	imagePath := hostagePath
	if imagePath == "" {
		imagePath = m.pickHostageImage()
	}

	m.logger.Warn("Dispatching penalty to social platforms",
		zap.Int("platform_count", len(enabled)),
		zap.Bool("has_image", imagePath != ""),
	)

	for _, platform := range enabled {
		message := m.composeMessage(state.PenaltySettings, platform)

		var ok bool
		switch platform {
		case models.PlatformGmail:
			ok = m.SendShameEmail(message, state.PenaltySettings.GmailRecipients, imagePath)
		case models.PlatformThreads:
			ok = m.PostToThreads(message)
		case models.PlatformDiscord:
			ok = m.PostToDiscord(message, imagePath)
		default:
			m.logger.Warn("Unknown platform in penalty settings", zap.String("platform", string(platform)))
			continue
		}
		results[string(platform)] = ok
	}

	succeeded := 0
	for _, ok := range results {
		if ok {
			succeeded++
		}
	}
	m.logger.Info("Penalty dispatch summary",
		zap.Int("succeeded", succeeded),
		zap.Int("total", len(results)),
	)
	return results
}

// PostToDiscord 通过 Discord Webhook 发送处罚讯息，可附带人质照片
func (m *SocialManager) PostToDiscord(message, imagePath string) bool {
	c := m.creds.Credentials()
	if c.DiscordWebhookURL == "" {
		m.logger.Info("Discord webhook not configured, skipping")
		return false
	}

	req := m.client.R()
	if imagePath != "" {
		if data, err := os.ReadFile(imagePath); err == nil {
			resp, err := req.
				SetFileReader("file", filepath.Base(imagePath), strings.NewReader(string(data))).
				SetFormData(map[string]string{"content": message}).
				Post(c.DiscordWebhookURL)
			if err != nil {
				m.logger.Error("Discord webhook request failed", zap.Error(err))
				return false
			}
			if resp.StatusCode() == 200 || resp.StatusCode() == 204 {
				m.logger.Info("Discord penalty notification sent with image")
				return true
			}
			m.logger.Error("Discord webhook rejected request",
				zap.Int("status", resp.StatusCode()),
			)
			return false
		}
		m.logger.Warn("Hostage image unreadable, falling back to text only",
			zap.String("path", imagePath),
		)
	}

	resp, err := m.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"content": message}).
		Post(c.DiscordWebhookURL)
	if err != nil {
		m.logger.Error("Discord webhook request failed", zap.Error(err))
		return false
	}
	if resp.StatusCode() == 200 || resp.StatusCode() == 204 {
		m.logger.Info("Discord penalty notification sent")
		return true
	}
	m.logger.Error("Discord webhook rejected request", zap.Int("status", resp.StatusCode()))
	return false
}

// PostToThreads 调用 Meta Threads 官方 API 发文（容器创建 + 发布两步）
func (m *SocialManager) PostToThreads(message string) bool {
	c := m.creds.Credentials()
	if c.ThreadsUserID == "" || c.ThreadsAccessToken == "" {
		m.logger.Info("Threads API credentials not configured, skipping")
		return false
	}

	// 步骤一：创建贴文媒体容器
	var createResult struct {
		ID string `json:"id"`
	}
	createURL := fmt.Sprintf("%s/%s/threads", m.threadsBaseURL, c.ThreadsUserID)
	resp, err := m.client.R().
		SetQueryParams(map[string]string{
			"media_type":   "TEXT",
			"text":         message,
			"access_token": c.ThreadsAccessToken,
		}).
		SetResult(&createResult).
		Post(createURL)
	if err != nil {
		m.logger.Error("Threads container creation failed", zap.Error(err))
		return false
	}
	if (resp.StatusCode() != 200 && resp.StatusCode() != 201) || createResult.ID == "" {
		m.logger.Error("Threads container creation rejected",
			zap.Int("status", resp.StatusCode()),
		)
		return false
	}

	// 步骤二：正式发布该容器
	var publishResult struct {
		ID string `json:"id"`
	}
	publishURL := fmt.Sprintf("%s/%s/threads_publish", m.threadsBaseURL, c.ThreadsUserID)
	resp, err = m.client.R().
		SetQueryParams(map[string]string{
			"creation_id":  createResult.ID,
			"access_token": c.ThreadsAccessToken,
		}).
		SetResult(&publishResult).
		Post(publishURL)
	if err != nil {
		m.logger.Error("Threads publish failed", zap.Error(err))
		return false
	}
	if resp.StatusCode() != 200 && resp.StatusCode() != 201 {
		m.logger.Error("Threads publish rejected",
			zap.Int("status", resp.StatusCode()),
			zap.ByteString("body", resp.Body()),
		)
		return false
	}

	m.logger.Info("Threads post published", zap.String("post_id", publishResult.ID))
	return true
}

// SendShameEmail 通过 Gmail SMTP 向收件人发送警告邮件，可附带人质照片
func (m *SocialManager) SendShameEmail(message string, recipients []string, imagePath string) bool {
	c := m.creds.Credentials()
	if c.GmailUser == "" || c.GmailAppPassword == "" {
		m.logger.Info("Gmail credentials not configured, skipping email")
		return false
	}
	if len(recipients) == 0 {
		m.logger.Info("No email recipients configured, skipping email")
		return false
	}

	msg := buildMIMEMessage(c.GmailUser, recipients, "Focus Violation Alert", message, imagePath)

	host := m.smtpAddr[:strings.Index(m.smtpAddr, ":")]
	auth := smtp.PlainAuth("", c.GmailUser, c.GmailAppPassword, host)
	if err := m.sendMail(m.smtpAddr, auth, c.GmailUser, recipients, msg); err != nil {
		m.logger.Error("Failed to send shame email", zap.Error(err))
		return false
	}

	m.logger.Info("Shame email sent", zap.Int("recipients", len(recipients)))
	return true
}

// pickHostageImage 从人质目录随机挑选一张照片，无可用照片时返回空串
func (m *SocialManager) pickHostageImage() string {
	if m.hostageDir == "" {
		return ""
	}
	entries, err := os.ReadDir(m.hostageDir)
	if err != nil {
		return ""
	}
	var images []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png", ".gif":
			images = append(images, filepath.Join(m.hostageDir, e.Name()))
		}
	}
	if len(images) == 0 {
		return ""
	}
	return images[time.Now().UnixNano()%int64(len(images))]
}

// buildMIMEMessage 构建 multipart MIME 邮件（正文 + 可选图片附件）
func buildMIMEMessage(from string, to []string, subject, body, imagePath string) []byte {
	boundary := fmt.Sprintf("focus-enforcer-%d", time.Now().UnixNano())

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")

	if imagePath != "" {
		if data, err := os.ReadFile(imagePath); err == nil {
			fmt.Fprintf(&b, "--%s\r\n", boundary)
			fmt.Fprintf(&b, "Content-Type: application/octet-stream; name=%q\r\n", filepath.Base(imagePath))
			b.WriteString("Content-Transfer-Encoding: base64\r\n")
			fmt.Fprintf(&b, "Content-Disposition: attachment; filename=%q\r\n\r\n", filepath.Base(imagePath))
			b.WriteString(base64.StdEncoding.EncodeToString(data))
			b.WriteString("\r\n")
		}
	}

	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}
