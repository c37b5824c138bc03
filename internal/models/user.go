package models

import "time"

// User is a registered account able to author stories and chat under a name.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"size:64;uniqueIndex;not null" json:"name"`
	Email        string    `gorm:"size:255" json:"email"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	JoinedDate   time.Time `json:"joined_date"`
}

// AddressIdentifier maps a hashed client address to the raw address for audit.
// Rows are written once per hash; the hash doubles as the anonymous actor id.
type AddressIdentifier struct {
	Hash string `gorm:"primaryKey;size:64" json:"hash"`
	IP   string `gorm:"size:64;not null" json:"ip"`
}
