package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"resume-feedback/internal/config"
	"resume-feedback/internal/storage/models"
	"resume-feedback/internal/tracing"
	"resume-feedback/internal/types"
)

var mysqlTracer = otel.Tracer("resume-feedback/storage/mysql")

// 简历仓储返回的错误
var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrDuplicateRecord = errors.New("record already exists")
)

type spanCtxKey struct{}

// GormTracingPlugin 是一个GORM插件，用于向OpenTelemetry中添加数据库操作的追踪点
type GormTracingPlugin struct {
	tracer trace.Tracer
	dbName string
}

// NewGormTracingPlugin 创建一个新的GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{tracer: mysqlTracer, dbName: dbName}
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after()); err != nil {
		return err
	}
	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after()); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("otel:after_update", p.after()); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after()); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("otel:before_row", p.before("ROW")); err != nil {
		return err
	}
	return cb.Row().After("gorm:row").Register("otel:after_row", p.after())
}

// before 返回在GORM操作之前执行的回调函数
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if db.Statement.SkipHooks {
			return
		}
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		newCtx, span := p.tracer.Start(ctx, fmt.Sprintf("%s %s", operation, tableName),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		)
		db.Statement.Context = context.WithValue(newCtx, spanCtxKey{}, span)
	}
}

// after 返回在GORM操作之后执行的回调函数
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value(spanCtxKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
		if sql := db.Statement.SQL.String(); sql != "" {
			span.SetAttributes(attribute.String("db.statement", tracing.SafeSQL(sql)))
		}

		switch {
		case db.Error == nil:
			span.SetStatus(codes.Ok, "")
		case errors.Is(db.Error, gorm.ErrRecordNotFound):
			// 查不到记录是正常的业务结果
			span.SetAttributes(attribute.String("error.type", "record_not_found"))
			span.SetStatus(codes.Ok, "record not found")
		default:
			tracing.RecordError(span, db.Error, tracing.ErrorTypeDB)
		}
	}
}

// ResumeRepository 简历记录仓储，所有操作都按 userID 限定
type ResumeRepository interface {
	CreateResume(ctx context.Context, rec *types.ResumeRecord) error
	// ListResumes 按创建时间倒序
	ListResumes(ctx context.Context, userID string) ([]*types.ResumeRecord, error)
	// GetResume 不存在时返回 ErrRecordNotFound
	GetResume(ctx context.Context, userID, resumeID string) (*types.ResumeRecord, error)
	// UpdateFeedback 写入反馈并同步两个分数列，不存在时返回 ErrRecordNotFound
	UpdateFeedback(ctx context.Context, userID, resumeID string, feedback *types.FeedbackResult) error
	// DeleteResume 删除不存在的记录不是错误
	DeleteResume(ctx context.Context, userID, resumeID string) error
	Ping(ctx context.Context) error
}

// 确保MySQL实现了ResumeRepository接口
var _ ResumeRepository = (*MySQL)(nil)

// MySQL 提供关系数据库功能
type MySQL struct {
	db     *gorm.DB
	cfg    *config.MySQLConfig
	logger *zerolog.Logger
}

// NewMySQL 创建MySQL客户端
func NewMySQL(cfg *config.MySQLConfig, zlog *zerolog.Logger) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}
	if zlog == nil {
		nop := zerolog.Nop()
		zlog = &nop
	}

	// 构建DSN，添加超时设置
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	// 配置GORM日志级别
	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = logger.Silent
	case 2:
		logLevel = logger.Error
	case 3:
		logLevel = logger.Warn
	default:
		logLevel = logger.Info
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		TranslateError:                           true, // 唯一键冲突转换为 gorm.ErrDuplicatedKey
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	m := &MySQL{db: db, cfg: cfg, logger: zlog}
	if err := m.autoMigrateSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	zlog.Info().Str("database", cfg.Database).Msg("成功连接到MySQL并自动迁移数据库结构")
	return m, nil
}

// autoMigrateSchema 迁移时关闭SQL日志
func (m *MySQL) autoMigrateSchema() error {
	silentLogger := logger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
		},
	)
	if err := m.db.Session(&gorm.Session{Logger: silentLogger}).AutoMigrate(&models.ResumeRecord{}); err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}
	return nil
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// Ping 健康检查
func (m *MySQL) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (m *MySQL) CreateResume(ctx context.Context, rec *types.ResumeRecord) error {
	row, err := models.ResumeRecordFromDomain(rec)
	if err != nil {
		return err
	}
	if err := m.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("简历 %s: %w", rec.ID, ErrDuplicateRecord)
		}
		return fmt.Errorf("创建简历记录失败: %w", err)
	}
	rec.CreatedAt = row.CreatedAt
	rec.UpdatedAt = row.UpdatedAt
	return nil
}

func (m *MySQL) ListResumes(ctx context.Context, userID string) ([]*types.ResumeRecord, error) {
	var rows []models.ResumeRecord
	err := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询简历列表失败: %w", err)
	}

	result := make([]*types.ResumeRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].ToDomain()
		if err != nil {
			// 单条反馈损坏不影响列表
			m.logger.Warn().Err(err).Str("resume_id", rows[i].ResumeID).Msg("跳过无法解析的简历反馈")
			rows[i].Feedback = nil
			rec, _ = rows[i].ToDomain()
		}
		result = append(result, rec)
	}
	return result, nil
}

func (m *MySQL) GetResume(ctx context.Context, userID, resumeID string) (*types.ResumeRecord, error) {
	var row models.ResumeRecord
	err := m.db.WithContext(ctx).
		Where("resume_id = ? AND user_id = ?", resumeID, userID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("简历 %s: %w", resumeID, ErrRecordNotFound)
		}
		return nil, fmt.Errorf("查询简历失败: %w", err)
	}
	return row.ToDomain()
}

func (m *MySQL) UpdateFeedback(ctx context.Context, userID, resumeID string, feedback *types.FeedbackResult) error {
	row, err := models.ResumeRecordFromDomain(&types.ResumeRecord{Feedback: feedback})
	if err != nil {
		return err
	}
	overall := int(feedback.OverallScore)
	ats := int(feedback.ATSScore)

	res := m.db.WithContext(ctx).
		Model(&models.ResumeRecord{}).
		Where("resume_id = ? AND user_id = ?", resumeID, userID).
		Updates(map[string]any{
			"feedback":      row.Feedback,
			"overall_score": overall,
			"ats_score":     ats,
		})
	if res.Error != nil {
		return fmt.Errorf("更新简历反馈失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("简历 %s: %w", resumeID, ErrRecordNotFound)
	}
	return nil
}

func (m *MySQL) DeleteResume(ctx context.Context, userID, resumeID string) error {
	err := m.db.WithContext(ctx).
		Where("resume_id = ? AND user_id = ?", resumeID, userID).
		Delete(&models.ResumeRecord{}).Error
	if err != nil {
		return fmt.Errorf("删除简历记录失败: %w", err)
	}
	return nil
}
