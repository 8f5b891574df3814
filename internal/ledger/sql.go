package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// account is one ledger row.
type account struct {
	Address   string `gorm:"primaryKey;size:44"`
	Data      []byte
	UpdatedAt time.Time
}

func (account) TableName() string { return "ledger_accounts" }

// SQL is a Store on a relational database through gorm. Each Update runs in
// one database transaction at serializable isolation on postgres; sqlite
// serializes writers on a single connection.
type SQL struct {
	db     *gorm.DB
	driver string
}

// OpenSQL connects, migrates the accounts table and returns the store.
func OpenSQL(driver, dsn string, logger *slog.Logger) (*SQL, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&account{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	logger.Info("sql ledger ready", "driver", driver)

	return &SQL{db: db, driver: driver}, nil
}

// View implements Store.
func (s *SQL) View(ctx context.Context, fn func(Reader) error) error {
	return fn(&sqlTxn{tx: s.db.WithContext(ctx)})
}

// Update implements Store.
func (s *SQL) Update(ctx context.Context, fn func(Txn) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.driver == DriverPostgres {
			if err := tx.Exec("SET TRANSACTION ISOLATION LEVEL SERIALIZABLE").Error; err != nil {
				return err
			}
		}
		return fn(&sqlTxn{tx: tx})
	})
	if isSerializationFailure(err) {
		return ErrConflict
	}
	return err
}

// Close implements Store.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type sqlTxn struct {
	tx *gorm.DB
}

func (t *sqlTxn) Get(key Key) ([]byte, error) {
	var row account
	err := t.tx.Where("address = ?", key.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return row.Data, nil
}

func (t *sqlTxn) Put(key Key, value []byte) error {
	row := account{Address: key.String(), Data: clone(value), UpdatedAt: time.Now()}
	err := t.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (t *sqlTxn) Create(key Key, value []byte) error {
	row := account{Address: key.String(), Data: clone(value), UpdatedAt: time.Now()}
	err := t.tx.Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isSerializationFailure matches postgres SQLSTATE 40001 and 40P01.
func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLSTATE 40001") || strings.Contains(msg, "SQLSTATE 40P01")
}
