// Package sql is the gorm-backed window ledger.
package sql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/repository"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

const moduleName = "ledger"

// GormLedger implements repository.WindowLedger over any gorm dialector.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger wraps an open connection. The schema is not migrated.
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// Dialector builds the gorm dialector for cfg.Type.
func Dialector(cfg config.LedgerConfig) (gorm.Dialector, error) {
	switch cfg.Type {
	case "sqlite":
		return sqlite.Open(cfg.Database), nil
	case "postgres":
		sslmode := cfg.Sslmode
		if sslmode == "" {
			sslmode = "disable"
		}
		return postgres.Open(fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslmode)), nil
	case "mysql":
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)), nil
	}
	return nil, fmt.Errorf("unsupported ledger type %q", cfg.Type)
}

// Open connects, sizes the pool and migrates the ledger table.
func Open(cfg config.LedgerConfig) (*GormLedger, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, exception.NewProvError(exception.KindConfig, moduleName, "invalid ledger type", err)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, exception.NewProvErrorf(exception.KindStore, moduleName, "cannot open %s ledger", cfg.Type, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, exception.NewProvError(exception.KindStore, moduleName, "cannot access connection pool", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	l := NewGormLedger(db)
	if err := l.Migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	logger.Infof("Window ledger: %s database %q.", cfg.Type, cfg.Database)
	return l, nil
}

// Migrate creates or updates the ledger table.
func (l *GormLedger) Migrate() error {
	if err := l.db.AutoMigrate(&WindowExecutionEntity{}); err != nil {
		return exception.NewProvError(exception.KindStore, moduleName, "cannot migrate ledger schema", err)
	}
	return nil
}

func (l *GormLedger) SaveWindow(ctx context.Context, execution *model.WindowExecution) error {
	entity := fromDomainWindow(execution)
	if err := l.db.WithContext(ctx).Create(entity).Error; err != nil {
		return exception.NewProvErrorf(exception.KindStore, moduleName, "cannot save window %s", execution.ID, err)
	}
	return nil
}

func (l *GormLedger) UpdateWindow(ctx context.Context, execution *model.WindowExecution) error {
	entity := fromDomainWindow(execution)
	res := l.db.WithContext(ctx).Model(&WindowExecutionEntity{}).
		Where("id = ?", execution.ID).
		Select("*").
		Updates(entity)
	if res.Error != nil {
		return exception.NewProvErrorf(exception.KindStore, moduleName, "cannot update window %s", execution.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return exception.NewProvErrorf(exception.KindStore, moduleName, "window %s", execution.ID, repository.ErrWindowNotFound)
	}
	return nil
}

func (l *GormLedger) FindWindowByID(ctx context.Context, id string) (*model.WindowExecution, error) {
	var entity WindowExecutionEntity
	if err := l.db.WithContext(ctx).Where("id = ?", id).Take(&entity).Error; err != nil {
		return nil, l.readErr(err)
	}
	return toDomainWindow(&entity), nil
}

func (l *GormLedger) LatestWindow(ctx context.Context) (*model.WindowExecution, error) {
	recent, err := l.RecentWindows(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 {
		return nil, repository.ErrWindowNotFound
	}
	return recent[0], nil
}

func (l *GormLedger) RecentWindows(ctx context.Context, limit int) ([]*model.WindowExecution, error) {
	var entities []WindowExecutionEntity
	q := l.db.WithContext(ctx).Order("start_time desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entities).Error; err != nil {
		return nil, l.readErr(err)
	}
	out := make([]*model.WindowExecution, len(entities))
	for i := range entities {
		out[i] = toDomainWindow(&entities[i])
	}
	return out, nil
}

func (l *GormLedger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (l *GormLedger) readErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repository.ErrWindowNotFound
	}
	return exception.NewProvError(exception.KindStore, moduleName, "cannot read ledger", err)
}

var _ repository.WindowLedger = (*GormLedger)(nil)
