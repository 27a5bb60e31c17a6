package database

import "gorm.io/gorm"

// DB is the process-wide GORM handle set by SetupDatabase.
var DB *gorm.DB

// GetDB returns the shared database handle, or nil before setup.
func GetDB() *gorm.DB {
	return DB
}
