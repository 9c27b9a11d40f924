package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fluxt.com/apps/deposit/config"
	"fluxt.com/apps/deposit/internal/app/orchestrator"
	"fluxt.com/apps/deposit/internal/app/scanner"
	"fluxt.com/apps/deposit/internal/core/service"
	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/apps/deposit/internal/infra/ethereum"
	"fluxt.com/apps/deposit/internal/infra/notify"
	"fluxt.com/apps/deposit/internal/infra/persistence"
	"fluxt.com/apps/deposit/internal/monitor"
	ghttp "fluxt.com/apps/deposit/internal/server/http"
	"fluxt.com/apps/deposit/internal/server/http/handler"
	vipConfig "fluxt.com/pkg/config"
	"fluxt.com/pkg/hdwallet"
	"fluxt.com/pkg/logger"
	"fluxt.com/pkg/metrics"
	"fluxt.com/pkg/orm"
	"fluxt.com/pkg/safe"
	"fluxt.com/pkg/trace"
	"fluxt.com/pkg/xredis"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var configFile = flag.String("f", "", "the config file (默认查找 ./etc/deposit.yaml)")

func main() {
	flag.Parse()

	// 1. 加载配置，缺关键配置直接退出
	c, v, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// 2. 初始化基础设施
	logger.InitWithFile(c.Name, c.Log.Level, c.Log.File)
	defer logger.Sync()
	vipConfig.Watch(v, config.ServiceName, func(v *viper.Viper) {
		lvl := v.GetString("log.level")
		if logger.SetLevel(lvl) {
			logger.Info(context.Background(), "log level changed", zap.String("level", lvl))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTrace, err := trace.InitTrace(c.Name, c.Trace)
	if err != nil {
		logger.Fatal(ctx, "init trace failed", zap.Error(err))
	}
	metrics.MustRegister()

	db, err := orm.OpenMySQL(&orm.Config{
		DSN:         c.Mysql.DataSource.Reveal(),
		MaxIdle:     c.Mysql.MaxIdle,
		MaxOpen:     c.Mysql.MaxOpen,
		MaxLifetime: c.Mysql.MaxLifetime,
		LogSQL:      c.Mysql.LogSQL,
	})
	if err != nil {
		logger.Fatal(ctx, "connect mysql failed", zap.Error(err))
	}
	repo := persistence.New(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Fatal(ctx, "auto migrate failed", zap.Error(err))
	}

	var rdb *redis.Client
	if c.Redis.Addr != "" {
		rdb, err = xredis.Open(ctx, &xredis.Config{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password.Reveal(),
			DB:       c.Redis.DB,
		})
		if err != nil {
			logger.Fatal(ctx, "connect redis failed", zap.Error(err))
		}
	}
	logger.Info(ctx, "✅ Infrastructure initialized", zap.Bool("redis", rdb != nil))

	// 3. 初始化组件 (依赖注入)

	// A. 密钥
	wallet, err := hdwallet.New(c.Custody.MasterMnemonic.Reveal())
	if err != nil {
		logger.Fatal(ctx, "init hd wallet failed", zap.Error(err))
	}
	hot, err := hdwallet.SignerFromHex(c.Custody.HotPrivateKey.Reveal())
	if err != nil {
		logger.Fatal(ctx, "init hot wallet failed", zap.Error(err))
	}

	// B. Adapter (链)
	chain, err := ethereum.New(ctx, ethereum.Config{
		RPCURL:       c.Chain.RPCURL.Reveal(),
		CallTimeout:  c.Chain.CallTimeout,
		MaxRetries:   c.Chain.MaxRetries,
		RetryBackoff: c.Chain.RetryBackoff,
		RateLimit:    c.Chain.RateLimit,
		RateBurst:    c.Chain.RateBurst,
	})
	if err != nil {
		logger.Fatal(ctx, "connect chain rpc failed", zap.Error(err))
	}

	// C. 热钱包锁：多实例用 redis，单实例用进程内锁
	var locker domain.Locker = service.NewLocalLocker()
	if rdb != nil {
		locker = service.NewRedisLocker(rdb, hot.Address().Hex(), 0)
	}

	// D. 事件通知
	var notifier domain.Notifier = notify.Noop{}
	if c.Nats.URL != "" {
		pub, err := notify.NewNatsPublisher(c.Nats.URL, c.Name)
		if err != nil {
			logger.Fatal(ctx, "connect nats failed", zap.Error(err))
		}
		defer pub.Close()
		notifier = pub
	}

	// E. 业务
	token := common.HexToAddress(c.Custody.TokenAddress)
	registry := service.NewRegistry(repo)
	sweeper := service.NewSweepService(chain, wallet, hot, locker)
	logger.Info(ctx, "🔑 custody ready",
		zap.String("hot", sweeper.HotAddress().Hex()),
		zap.String("token", token.Hex()),
		zap.String("chain_id", chain.ChainID().String()))
	ledger := service.NewLedgerService(repo)
	addresses := service.NewAddressService(repo, wallet, registry)
	orch := orchestrator.New(orchestrator.Config{
		Custody:       common.HexToAddress(c.Custody.HotAddress),
		Token:         token,
		TokenSymbol:   c.Custody.TokenSymbol,
		TokenDecimals: c.Custody.TokenDecimals,
		MaxRetries:    c.Monitor.MaxRetries,
	}, registry, repo, sweeper, ledger, notifier)

	// 4. 初始化 Scanner Engine
	var (
		leader     scanner.Leader
		lockMaster *xredis.RedisLockMaster
	)
	if rdb != nil && c.Monitor.LeaderKey != "" {
		lockMaster = xredis.NewRedisLockMaster(rdb)
		leader = lockMaster
	}
	engine := scanner.New(&scanner.Config{
		Chain:                c.Chain.Name,
		Token:                token,
		MaxRange:             c.Monitor.MaxRange,
		Confirmations:        c.Monitor.Confirmations,
		MaxAddressesPerQuery: c.Monitor.MaxAddressesPerQuery,
		StartBlock:           c.Monitor.StartBlock,
		LeaderKey:            c.Monitor.LeaderKey,
		LeaderTTL:            3 * c.Monitor.ScanInterval,
	}, chain, registry, orch, repo, leader)

	mon := monitor.New(monitor.Config{
		ScanInterval:         c.Monitor.ScanInterval,
		RefreshInterval:      c.Monitor.RefreshInterval,
		RetryInterval:        c.Monitor.RetryInterval,
		ManualLookbackBlocks: c.Monitor.ManualLookbackBlocks,
		Token:                token,
	}, registry, engine, orch, repo, repo, chain)

	// 5. 运维接口
	srv := ghttp.NewServer(ctx, c.Name, ghttp.Config{
		Addr:         c.HTTP.Addr,
		RateLimit:    c.HTTP.RateLimit,
		RateBurst:    c.HTTP.RateBurst,
		AllowOrigins: c.HTTP.AllowOrigins,
	}, handler.NewDeposit(mon, orch, repo, addresses))
	safe.Go(func() {
		logger.Info(ctx, "admin http listening", zap.String("addr", c.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(ctx, "admin http failed", zap.Error(err))
		}
	})

	if sqlDB, err := db.DB(); err == nil {
		safe.GoCtx(ctx, func(ctx context.Context) {
			metrics.RunPoolCollector(ctx, sqlDB, rdb, 15*time.Second)
		})
	}

	// 6. 启动监控
	if c.Monitor.AutoStart {
		if err := mon.Start(ctx); err != nil {
			logger.Fatal(ctx, "start monitor failed", zap.Error(err))
		}
	}

	// 7. 优雅退出
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info(ctx, "Shutdown signal received...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "admin http shutdown failed", zap.Error(err))
	}
	// 等进行中的归集 / 入账做完
	mon.Stop()
	if lockMaster != nil {
		_ = lockMaster.Resign(shutdownCtx, c.Monitor.LeaderKey)
	}
	cancel()
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := shutdownTrace(shutdownCtx); err != nil {
		logger.Error(ctx, "trace shutdown failed", zap.Error(err))
	}
	logger.Info(ctx, "👋 deposit service exited")
}
