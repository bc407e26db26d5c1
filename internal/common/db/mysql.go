package db

import (
	_ "github.com/go-sql-driver/mysql"
)

// DriverMySQL is the database/sql driver name registered by go-sql-driver/mysql.
const DriverMySQL = "mysql"

// NewMySQL creates a MySQL connection pool with default settings.
// DSN format: "user:password@tcp(host:port)/dbname?parseTime=true&loc=Local"
func NewMySQL(dsn string) (*SQLDatabase, error) {
	config := DefaultConfig()
	config.Driver = DriverMySQL
	config.DSN = dsn
	return Open(config)
}
