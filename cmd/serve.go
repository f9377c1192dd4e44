package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lvdashuaibi/securevote/config"
	"github.com/lvdashuaibi/securevote/internal/api/graph"
	"github.com/lvdashuaibi/securevote/internal/ballot"
	"github.com/lvdashuaibi/securevote/internal/credential"
	intkafka "github.com/lvdashuaibi/securevote/internal/kafka"
	"github.com/lvdashuaibi/securevote/internal/ledger"
	"github.com/lvdashuaibi/securevote/internal/lock"
	"github.com/lvdashuaibi/securevote/internal/otp"
	"github.com/lvdashuaibi/securevote/internal/repository"
	"github.com/lvdashuaibi/securevote/internal/service"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动GraphQL服务",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		log.Printf("配置加载成功，当前实例ID: %d", instanceID)
		return serve(cfg)
	},
}

// openLedger 按配置选择账本实现
func openLedger(ctx context.Context, cfg *config.Config, mysqlRepo *repository.MySQLRepository) (ledger.Ledger, error) {
	switch cfg.Ledger.Driver {
	case "memory":
		log.Println("使用内存账本，重启后数据丢失")
		return ledger.NewMemoryLedger(), nil
	case "mysql", "":
		if mysqlRepo == nil {
			return nil, fmt.Errorf("MySQL账本需要配置 mysql.master")
		}
		return ledger.NewMySQLLedger(ctx, mysqlRepo.Master(), mysqlRepo.Slave())
	default:
		return nil, fmt.Errorf("不支持的账本实现: %s", cfg.Ledger.Driver)
	}
}

func serve(cfg *config.Config) error {
	ctx := context.Background()

	// MySQL: 账本、审计日志、选举状态
	var mysqlRepo *repository.MySQLRepository
	if cfg.MySQL.Master != "" {
		repo, err := repository.NewMySQLRepository(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("初始化MySQL仓库失败: %w", err)
		}
		defer repo.Close()
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		mysqlRepo = repo
		log.Printf("MySQL仓库初始化成功")
	}

	voteLedger, err := openLedger(ctx, cfg, mysqlRepo)
	if err != nil {
		return fmt.Errorf("初始化账本失败: %w", err)
	}

	// Redis: 验证码、回执缓存、认证频率
	var redisRepo *repository.RedisRepository
	if cfg.Redis.DataAddress != "" {
		repo, err := repository.NewRedisRepository(cfg.Redis)
		if err != nil {
			return fmt.Errorf("初始化Redis仓库失败: %w", err)
		}
		defer repo.Close()
		redisRepo = repo
		log.Printf("Redis仓库初始化成功")
	}

	var producer *intkafka.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		p, err := intkafka.NewProducer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("初始化Kafka生产者失败: %w", err)
		}
		defer p.Close()
		producer = p
		log.Printf("Kafka生产者初始化成功")
	}

	var otpStore otp.Store
	switch cfg.OTP.Store {
	case "memory":
		otpStore = otp.NewMemoryStore()
	default:
		if redisRepo == nil {
			return fmt.Errorf("验证码存储需要配置 redis.data_address")
		}
		otpStore = redisRepo
	}

	var otpSender otp.Sender
	switch cfg.OTP.Delivery {
	case "console":
		otpSender = otp.ConsoleSender{}
	default:
		if producer == nil {
			return fmt.Errorf("验证码投递需要配置 kafka.brokers")
		}
		otpSender = producer
	}

	directory, err := repository.NewDirectoryRepository(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("初始化选民名册失败: %w", err)
	}
	defer directory.Close()
	if err := directory.AutoMigrate(); err != nil {
		return fmt.Errorf("选民名册迁移失败: %w", err)
	}
	log.Printf("选民名册初始化成功")

	distributedLock, err := lock.New(cfg)
	if err != nil {
		return fmt.Errorf("初始化分布式锁失败: %w", err)
	}
	defer distributedLock.Close()
	log.Printf("分布式锁初始化成功: %s", cfg.Lock.Driver)

	sealer, err := ballot.NewSealer(cfg.Ledger.SealSecret)
	if err != nil {
		return err
	}

	// 接口字段只在实现存在时赋值，避免带类型的nil
	var (
		publisher service.AuditPublisher
		logStore  service.AuditLogStore
	)
	if producer != nil {
		publisher = producer
	}
	if mysqlRepo != nil {
		logStore = mysqlRepo
	}
	relay := service.NewEventRelay(publisher, logStore)

	deps := service.Dependencies{
		Directory:   directory,
		Credentials: credential.NewSignatureAuthenticator(cfg.Session.ChallengeTTL),
		OTP: otp.NewAuthority(otpStore, otpSender, otp.Options{
			Length:      cfg.OTP.Length,
			Validity:    cfg.OTP.Validity,
			MaxAttempts: cfg.OTP.MaxAttempts,
		}),
		Ledger: voteLedger,
		Sealer: sealer,
		Lock:   distributedLock,
		Audit:  relay,
	}
	if redisRepo != nil {
		deps.Receipts = redisRepo
		deps.Limiter = redisRepo
	}
	if mysqlRepo != nil {
		deps.Election = mysqlRepo
		deps.AuditLogs = mysqlRepo
	}

	coord := service.NewCoordinator(deps, service.OptionsFromConfig(cfg))
	coord.Start()
	defer coord.Stop()
	log.Printf("投票会话协调器初始化成功")

	// 审计事件经Kafka异步落库
	if producer != nil && mysqlRepo != nil {
		consumer := intkafka.NewConsumer(cfg.Kafka)
		consumer.StartConsuming(relay.ProcessAuditEvent)
		defer consumer.Stop()
		log.Printf("Kafka消费者已启动")
	}

	if cfg.Auditor.Enabled {
		auditor := service.NewChainAuditor(voteLedger, distributedLock, relay, cfg.Auditor.Interval, cfg.Lock.TTL)
		auditor.Start()
		defer auditor.Stop()
		log.Printf("区块链审计已启动，间隔: %v", cfg.Auditor.Interval)
	}

	server := graph.NewServer(coord, cfg.Server, cfg.GraphQL.Path)

	// 计算端口，支持多实例
	port := cfg.Server.Port + instanceID - 1
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(port)
	}()
	log.Printf("SecureVote (实例 %d) 已启动，服务地址: http://localhost:%d", instanceID, port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	log.Println("正在关闭服务...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭HTTP服务失败: %v", err)
	}
	return nil
}
