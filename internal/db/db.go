package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/leadgrid/leadgrid/internal/job"
	"github.com/leadgrid/leadgrid/internal/table"
)

func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	return gdb
}

func Migrate(gdb *gorm.DB) {
	if err := gdb.AutoMigrate(
		&table.Table{},
		&table.Column{},
		&table.Row{},
		&table.Cell{},
		&job.Job{},
		&job.Execution{},
		&job.LedgerEntry{},
	); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
}
