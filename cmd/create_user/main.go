package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"agency/models"
)

// Account maintenance tool: create a host (or administrator) account, or
// reset an existing account's password. Meant for operators, not exposed
// over HTTP.
func main() {
	username := flag.String("username", "", "account username")
	password := flag.String("password", "", "plaintext password (min 6 chars)")
	admin := flag.Bool("admin", false, "grant the administrator role")
	reset := flag.Bool("reset", false, "reset the password of an existing account")
	flag.Parse()

	if *username == "" || *password == "" {
		log.Fatal("--username and --password are required")
	}
	if len(*password) < 6 {
		log.Fatal("password too short (min 6)")
	}

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN not set in environment")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("bcrypt: %v", err)
	}

	if *reset {
		res := db.Model(&models.User{}).Where("username = ?", *username).Update("hashed_password", hash)
		if res.Error != nil {
			log.Fatalf("update failed: %v", res.Error)
		}
		if res.RowsAffected == 0 {
			log.Fatalf("user %s not found", *username)
		}
		fmt.Printf("password reset for %s\n", *username)
		return
	}

	roleName := "user"
	if *admin {
		roleName = "administrator"
	}
	var role models.Role
	if err := db.Where("name = ?", roleName).First(&role).Error; err != nil {
		role = models.Role{Name: roleName}
		db.Create(&role)
	}

	var existing models.User
	if err := db.Where("username = ?", *username).First(&existing).Error; err == nil {
		fmt.Printf("user %s already exists (id=%d)\n", *username, existing.ID)
		os.Exit(0)
	}

	rid := role.ID
	user := models.User{Username: *username, HashedPassword: hash, RoleID: &rid}
	if err := db.Create(&user).Error; err != nil {
		log.Fatalf("create user: %v", err)
	}
	prof := models.Profile{UserID: user.ID, Name: *username}
	if err := db.Create(&prof).Error; err != nil {
		log.Printf("warning: profile not created: %v", err)
	}
	fmt.Printf("created %s account %s id=%d\n", roleName, *username, user.ID)
}
