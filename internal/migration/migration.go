package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	activitydomain "github.com/smallbiznis/billingcore/internal/activity/domain"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/billingcore/internal/payment/domain"
	"github.com/smallbiznis/billingcore/internal/sequence"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// RunMigrations applies the embedded postgres migrations.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate builds the schema from the gorm models. Used for sqlite,
// mysql and tests.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&sequence.Sequence{},
		&subscriptiondomain.Subscription{},
		&invoicedomain.Invoice{},
		&paymentdomain.Payment{},
		&activitydomain.Entry{},
	)
}
