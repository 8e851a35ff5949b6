package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"VoiceInterviewRelay/internal/config"
	"VoiceInterviewRelay/internal/coordinator"
	"VoiceInterviewRelay/internal/database"
	"VoiceInterviewRelay/internal/engine"
	"VoiceInterviewRelay/internal/grpcserver"
	"VoiceInterviewRelay/internal/httpserver"
	"VoiceInterviewRelay/internal/logger"
	"VoiceInterviewRelay/internal/relayserver"
	"VoiceInterviewRelay/internal/store"
	"VoiceInterviewRelay/internal/telephony"
)

func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径，默认在./configs和当前目录查找relay-config.yaml")
		memory     = flag.Bool("memory-store", false, "使用内存存储（忽略database.url）")
		watch      = flag.Bool("watch", true, "监控配置文件并热更新超时和切句参数")
	)
	flag.Parse()

	logger.InitLogger()
	logger.InitGlobalLogger()
	defer logger.GlobalLogger.Stop()

	if err := run(*configPath, *memory, *watch); err != nil {
		log.Printf("中继退出: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, memoryStore, watch bool) error {
	manager, err := config.NewManager(config.WithConfigPath(configPath))
	if err != nil {
		return err
	}
	cfg := manager.Config()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	if file := manager.ConfigFile(); file != "" {
		log.Printf("使用配置文件: %s", file)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, pool, err := openStore(ctx, cfg, memoryStore)
	if err != nil {
		return err
	}
	if pool != nil {
		defer database.Close(pool)
	}

	gateway, err := telephony.NewTwilioGateway(cfg.TwilioSettings())
	if err != nil {
		return fmt.Errorf("创建电话网关失败: %w", err)
	}
	eng, err := engine.NewOpenAIEngine(cfg.OpenAISettings())
	if err != nil {
		return fmt.Errorf("创建对话引擎失败: %w", err)
	}

	coord, err := coordinator.New(coordinator.Options{
		Store:    st,
		Gateway:  gateway,
		Engine:   eng,
		BaseURL:  cfg.Server.BaseURL,
		Timeouts: cfg.CoordinatorTimeouts(),
	})
	if err != nil {
		return err
	}

	relay := relayserver.New(cfg.RelaySettings(), coord)

	manager.OnReload(func(next *config.RelayConfig) {
		coord.SetTimeouts(next.CoordinatorTimeouts())
		relay.SetVADConfig(next.AudioVAD())
		logger.LogInfo("config", "timeouts and VAD reloaded", "")
	})
	if watch && manager.Watch() {
		log.Printf("配置热更新已启用")
	}

	api := httpserver.NewAPIServer(httpserver.Options{
		Addr:           cfg.Addr(),
		Coordinator:    coord,
		Store:          st,
		Relay:          relay,
		LogStream:      logger.GlobalLogger.HandleWebSocket,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		HangupMessage:  cfg.Server.HangupMessage,
	})

	errCh := make(chan error, 2)
	go func() {
		errCh <- api.Start()
	}()

	var admin *grpcserver.AdminServer
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("监听gRPC地址失败: %w", err)
		}
		admin = grpcserver.NewAdminServer(st, coord)
		go func() {
			errCh <- admin.Serve(lis)
		}()
	}

	logger.LogSuccess("main", fmt.Sprintf("relay listening on %s, public url %s", cfg.Addr(), cfg.Server.BaseURL), "")

	select {
	case <-ctx.Done():
		log.Printf("收到退出信号，正在关闭...")
	case err := <-errCh:
		if err != nil {
			log.Printf("服务异常退出: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先关闭通道，使进行中的会话在存储仍可用时完成收尾
	var shutdownErr error
	if err := relay.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("relay: %w", err))
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("http: %w", err))
	}
	if admin != nil {
		admin.Stop()
	}

	stats := coord.Stats()
	log.Printf("中继已关闭: started=%d ended=%d failed=%d",
		stats.StartsAccepted, stats.SessionsEnded, stats.SessionsFailed)
	return shutdownErr
}

// openStore 有数据库地址时连接Postgres并执行迁移，否则使用内存存储
func openStore(ctx context.Context, cfg *config.RelayConfig, memoryStore bool) (store.Store, *pgxpool.Pool, error) {
	if memoryStore || cfg.Database.URL == "" {
		logger.LogWarning("main", "using in-memory session store, transcripts are not durable", "")
		return store.NewMemoryStore(), nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectRetryFor+cfg.Database.ConnectTimeout)
	defer cancel()

	pool, err := database.Connect(connectCtx, cfg.DatabaseSettings())
	if err != nil {
		return nil, nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if cfg.Database.Migrate {
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := database.Migrate(migrateCtx, pool); err != nil {
			database.Close(pool)
			return nil, nil, fmt.Errorf("数据库迁移失败: %w", err)
		}
	}

	return store.NewPostgresStore(pool), pool, nil
}
