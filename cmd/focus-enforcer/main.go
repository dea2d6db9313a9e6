package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Piau3425/IoTProject/internal/broadcast"
	"github.com/Piau3425/IoTProject/internal/config"
	"github.com/Piau3425/IoTProject/internal/consumer"
	"github.com/Piau3425/IoTProject/internal/mqtt"
	"github.com/Piau3425/IoTProject/internal/notifier"
	"github.com/Piau3425/IoTProject/internal/penalty"
	"github.com/Piau3425/IoTProject/internal/service"
	"github.com/Piau3425/IoTProject/internal/state"
	"github.com/Piau3425/IoTProject/internal/store"
	"github.com/Piau3425/IoTProject/internal/violation"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	logger, err := initLogger(cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer logger.Sync()

	// 3. 本地数据存储
	dailyStore := store.NewDailyViolationStore(cfg.Data.Dir, logger)
	sessionStore := store.NewSessionStore(cfg.Data.Dir, logger)

	// 4. Redis 事件镜像（可选：连不上时退化为纯进程内广播）
	redisClient := initRedis(cfg, logger)
	bcast := broadcast.NewBroadcaster(redisClient, cfg.Broadcast.Stream, logger)
	defer bcast.Close()

	// 5. 核心组件
	stateMgr := state.NewManager(cfg.Data.Dir, cfg.Data.SettingsFile, cfg.Broadcast.ThrottleMS, cfg.Penalty.PersonAwayThresholdSec, dailyStore, logger)
	checker := violation.NewChecker(cfg.Penalty.CooldownSeconds, dailyStore, bcast.Publish, logger)
	penaltyMgr := penalty.NewManager(dailyStore, logger)

	creds := notifier.NewCredentialStore(filepath.Join(cfg.Data.Dir, cfg.Data.CredentialsFile), logger)
	seedCredentials(creds, cfg)
	social := notifier.NewSocialManager(creds, dailyStore, filepath.Join(cfg.Data.Dir, "hostages"), logger)

	enforcer := service.NewEnforcer(cfg, stateMgr, checker, penaltyMgr, social, sessionStore, bcast, logger)

	// 6. 上次异常退出的任务快照处理
	enforcer.RecoverSession()

	// 7. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serviceErrChan := make(chan error, 1)

	if cfg.Hardware.MockHardware {
		// 模拟模式：不接 MQTT，直接启动模拟硬件循环
		logger.Info("Starting in mock hardware mode")
		if err := enforcer.StartMockHardware(); err != nil {
			logger.Fatal("Failed to start mock hardware", zap.Error(err))
		}
		defer enforcer.StopMockHardware()
	} else {
		mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
		}
		defer mqttClient.Disconnect()

		mqttConsumer := consumer.NewMQTTConsumer(cfg, mqttClient, enforcer, logger)
		enforcer.SetCommandPublisher(mqttConsumer)

		go func() {
			if err := mqttConsumer.Start(ctx); err != nil {
				serviceErrChan <- err
			}
		}()
		defer mqttConsumer.Stop(context.Background())
	}

	logger.Info("Focus enforcer started",
		zap.Bool("mock_hardware", cfg.Hardware.MockHardware),
		zap.String("stream", cfg.Broadcast.Stream),
	)

	// 8. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
	case err := <-serviceErrChan:
		logger.Fatal("Service error",
			zap.Error(err),
		)
	}

	logger.Info("Focus enforcer stopped")
}

// initLogger 初始化日志，级别与格式由 LOG_LEVEL / LOG_FORMAT 决定
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Log.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}

// initRedis 建立 Redis 连接，不可用时返回 nil（事件镜像降级为本地广播）
func initRedis(cfg *config.Config, logger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelPing()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unavailable, event mirroring disabled",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err),
		)
		client.Close()
		return nil
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))
	return client
}

// seedCredentials 用环境变量补齐凭证文件中缺失的项（文件中已有的优先）
func seedCredentials(creds *notifier.CredentialStore, cfg *config.Config) {
	c := creds.Credentials()
	if c.GmailUser == "" && cfg.Social.GmailUser != "" {
		creds.UpdateGmail(cfg.Social.GmailUser, cfg.Social.GmailAppPassword)
	}
	if c.ThreadsUserID == "" && cfg.Social.ThreadsUserID != "" {
		creds.UpdateThreads(cfg.Social.ThreadsUserID, cfg.Social.ThreadsAccessToken)
	}
	if c.DiscordWebhookURL == "" && cfg.Social.DiscordWebhookURL != "" {
		creds.UpdateDiscord(cfg.Social.DiscordWebhookURL)
	}
}
