package main

import (
	"log"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"agency/models"
)

func openDB(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		log.Fatal("DB_DSN is not set. This service requires a Postgres DSN in DB_DSN.")
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

// migrateDB applies the schema. Models are migrated individually so a
// failure on one doesn't block the others.
func migrateDB(db *gorm.DB) {
	// roles first so the users FK can be applied safely
	if err := db.AutoMigrate(&models.Role{}); err != nil {
		log.Printf("migration warning (roles): %v", err)
	}
	for _, m := range []interface{}{
		&models.User{},
		&models.RefreshToken{},
		&models.Profile{},
		&models.Upload{},
		&models.Chunk{},
		&models.Submission{},
	} {
		if err := db.AutoMigrate(m); err != nil {
			log.Printf("migration warning (%T): %v", m, err)
		}
	}
}

// seedDB ensures the master roles and the bootstrap admin account exist.
func seedDB(db *gorm.DB) {
	roles := []models.Role{{Name: "administrator", Description: "full access"}, {Name: "user", Description: "regular host account"}}
	for _, r := range roles {
		var cnt int64
		db.Model(&models.Role{}).Where("name = ?", r.Name).Count(&cnt)
		if cnt == 0 {
			db.Create(&r)
		}
	}

	var count int64
	db.Model(&models.User{}).Where("username = ?", "admin").Count(&count)
	if count == 0 {
		var role models.Role
		if err := db.Where("name = ?", "administrator").First(&role).Error; err != nil {
			log.Printf("failed to find administrator role: %v", err)
		}
		rid := role.ID
		admin := models.User{Username: "admin", RoleID: &rid}
		hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
		admin.HashedPassword = hashedPassword
		db.Create(&admin)
		log.Println("Seeded admin user: username=admin, password=admin123")
	}
}
