package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"

	"resume-feedback/internal/analysis"
	"resume-feedback/internal/api/handler"
	"resume-feedback/internal/api/middleware"
	"resume-feedback/internal/api/router"
	"resume-feedback/internal/config"
	"resume-feedback/internal/logger"
	"resume-feedback/internal/orchestrator"
	"resume-feedback/internal/parser"
	"resume-feedback/internal/remote"
	"resume-feedback/internal/resilience"
	"resume-feedback/internal/storage"
	"resume-feedback/internal/tracing"
	"resume-feedback/internal/types"
)

var (
	version     = "1.0.0"           //nolint:gochecknoglobals
	serviceName = "resume-feedback" //nolint:gochecknoglobals
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("加载配置失败")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("配置校验失败")
	}

	initLogger(cfg)
	log := logger.Component("main")
	log.Info().Str("version", version).Str("service", serviceName).Msg("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = serviceName
	}
	shutdownTracer, err := tracing.InitProvider(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化链路追踪失败")
	}

	st, err := storage.NewStorage(ctx, cfg, logger.Component("storage"))
	if err != nil {
		log.Fatal().Err(err).Msg("初始化存储失败")
	}
	log.Info().Msg("存储服务初始化成功")

	// 可选组件为 nil 时不能直接赋给接口，否则得到非 nil 的接口值
	var (
		events  storage.EventPublisher
		locks   orchestrator.UploadLocker
		readers orchestrator.MarkerReader
		markers orchestrator.MarkerStore
	)
	var optional []remote.NamedProbe
	if st.Redis != nil {
		locks, readers, markers = st.Redis, st.Redis, st.Redis
		optional = append(optional, remote.NamedProbe{Name: remote.DependencyRedis, Prober: st.Redis})
	}
	if st.RabbitMQ != nil {
		events = st.RabbitMQ
		optional = append(optional, remote.NamedProbe{Name: remote.DependencyRabbitMQ, Prober: st.RabbitMQ})
	}
	probes := remote.BackendProbes(st.Objects, st.MySQL, optional...)

	health := remote.NewHealthChecker(remote.NewHealthCheckerOptions(&cfg.Health), logger.Component("health"), probes...)
	monitor := remote.NewConnectionMonitorFromConfig(health, &cfg.Health, logger.Component("monitor"))
	monitor.Subscribe(func(online bool) {
		if online {
			log.Info().Msg("后端连接已恢复")
		} else {
			log.Warn().Msg("后端连接已断开")
		}
	})
	monitor.Start()

	cleanupTimeout := config.GetDuration(cfg.Orchestrator.CleanupTimeout, 30*time.Second)
	resumeCleanup := resilience.NewBackground(logger.Component("resumes"), cleanupTimeout)
	files := remote.NewFileService(st.Objects, health, remote.NewFileServiceConfig(&cfg.Storage), logger.Component("files"))
	resumes := remote.NewResumeService(remote.ResumeServiceDeps{
		Repo:       st.MySQL,
		Files:      files,
		Background: resumeCleanup,
		Events:     events,
		RabbitMQ:   &cfg.RabbitMQ,
		Retry:      resilience.DefaultRetryPolicy(),
		Timeout:    config.GetDuration(cfg.Storage.OperationTimeout, 10*time.Second),
		Logger:     logger.Component("resumes"),
	})

	documents, err := parser.NewProcessorFromConfig(ctx, cfg, logger.Component("parser"))
	if err != nil {
		log.Fatal().Err(err).Msg("初始化PDF处理器失败")
	}
	analyzer, err := analysis.NewClientFromConfig(&cfg.AI, logger.Component("analysis"))
	if err != nil {
		log.Fatal().Err(err).Msg("初始化AI分析客户端失败")
	}

	dwell, err := orchestrator.ParseMaxDwell(cfg.Orchestrator.MaxDwell)
	if err != nil {
		log.Fatal().Err(err).Msg("解析 orchestrator.max_dwell 失败")
	}
	defaultMode, err := types.ParseAnalysisMode(cfg.AI.DefaultMode, types.ModeRecruiter)
	if err != nil {
		log.Fatal().Err(err).Msg("解析 ai.default_mode 失败")
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Documents:          documents,
		Files:              files,
		Records:            resumes,
		Analyzer:           analyzer,
		Health:             health,
		Markers:            markers,
		Events:             events,
		AnalyzedRoutingKey: cfg.RabbitMQ.AnalyzedRoutingKey,
	},
		orchestrator.WithLogger(logger.Component("orchestrator")),
		orchestrator.WithMaxDwell(dwell),
		orchestrator.WithPreflightTimeout(config.GetDuration(cfg.Orchestrator.PreflightTimeout, 8*time.Second)),
		orchestrator.WithCleanupTimeout(cleanupTimeout),
		orchestrator.WithDefaultMode(defaultMode),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化上传编排器失败")
	}
	sessions := orchestrator.NewSessionManager(orch, locks, readers, logger.Component("session"))

	tracer, tracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithMaxRequestBodySize(cfg.Server.MaxRequestMB<<20),
		server.WithHandleMethodNotAllowed(true),
		tracer,
	)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))

	apiLogger := logger.Component("api")
	router.RegisterRoutes(h, router.Handlers{
		Uploads: handler.NewUploadHandler(sessions, defaultMode, apiLogger).
			WithConnectionWait(monitor, config.GetDuration(cfg.Health.OfflineWait, 3*time.Second)),
		Resumes: handler.NewResumeHandler(resumes, files, apiLogger),
		Health:  handler.NewHealthHandler(health, monitor),
		Auth:    middleware.BearerAuth(cfg.Auth.Tokens, apiLogger),
	})
	log.Info().Str("address", cfg.Server.Address).Msg("HTTP 服务器启动中")

	go func() {
		if err := h.Run(); err != nil {
			log.Fatal().Err(err).Msg("启动HTTP服务器失败")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("接收到终止信号，正在优雅退出...")

	shutdownTimeout := config.GetDuration(cfg.Server.ShutdownTimeout, 5*time.Second)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("服务器关闭失败")
	}

	// 等待后台清理和事件发布结束再关闭连接
	orch.Wait()
	resumeCleanup.Wait()
	monitor.Stop()
	st.Close(logger.Component("storage"))
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("关闭链路追踪失败")
	}
	log.Info().Msg("优雅退出完成")
}

func initLogger(cfg *config.Config) {
	lc := logger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
		File:         cfg.Logger.File,
	}
	if _, err := logger.Init(lc); err != nil {
		lc.File = ""
		_, _ = logger.Init(lc)
		logger.Warn().Err(err).Str("file", cfg.Logger.File).Msg("日志文件不可用，只输出到控制台")
	}

	hlog.SetLogger(hertzadapter.From(logger.Logger))
	if cfg.Logger.Level == "debug" {
		hlog.SetLevel(hlog.LevelDebug)
	} else {
		hlog.SetLevel(hlog.LevelInfo)
	}
}
