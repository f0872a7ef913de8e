package db

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

const (
	StatusFound    = "found"
	StatusNotFound = "not_found"
)

// Profile is one scraped record. A tombstone carries only ID, ScrapedAt,
// ScrapedBy and Status=not_found.
type Profile struct {
	ID               int64     `bson:"id" json:"id"`
	URL              string    `bson:"url,omitempty" json:"url,omitempty"`
	Nickname         string    `bson:"nickname,omitempty" json:"nickname,omitempty"`
	RegistrationDate string    `bson:"registrationDate,omitempty" json:"registrationDate,omitempty"`
	ReviewCount      int       `bson:"reviewCount" json:"reviewCount"`
	LotCount         int       `bson:"lotCount" json:"lotCount"`
	IsBanned         bool      `bson:"isBanned" json:"isBanned"`
	IsSupport        bool      `bson:"isSupport" json:"isSupport"`
	ScrapedAt        time.Time `bson:"scrapedAt" json:"scrapedAt"`
	ScrapedBy        string    `bson:"scrapedBy" json:"scrapedBy"`
	Status           string    `bson:"status" json:"status"`
}

// NewTombstone builds the record persisted for an ID that does not exist upstream.
func NewTombstone(id int64, workerID string, at time.Time) Profile {
	return Profile{
		ID:        id,
		ScrapedAt: at,
		ScrapedBy: workerID,
		Status:    StatusNotFound,
	}
}

// Found reports whether the record describes an existing profile.
func (p Profile) Found() bool {
	return p.Status != StatusNotFound
}

// setDocument is the $set payload for an upsert keyed by id. Tombstones
// write only the fields they own so a rewind never wipes profile data.
func (p Profile) setDocument() bson.M {
	if !p.Found() {
		return bson.M{
			"id":        p.ID,
			"scrapedAt": p.ScrapedAt,
			"scrapedBy": p.ScrapedBy,
			"status":    StatusNotFound,
		}
	}

	status := p.Status
	if status == "" {
		status = StatusFound
	}
	return bson.M{
		"id":               p.ID,
		"url":              p.URL,
		"nickname":         p.Nickname,
		"registrationDate": p.RegistrationDate,
		"reviewCount":      p.ReviewCount,
		"lotCount":         p.LotCount,
		"isBanned":         p.IsBanned,
		"isSupport":        p.IsSupport,
		"scrapedAt":        p.ScrapedAt,
		"scrapedBy":        p.ScrapedBy,
		"status":           status,
	}
}
