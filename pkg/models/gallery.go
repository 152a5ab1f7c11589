package models

import (
	"time"

	"github.com/google/uuid"
)

// GalleryImage is a generated image surfaced to its owner's gallery once the job finished.
// It outlives the job and item rows it was copied from.
type GalleryImage struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	OwnerID   uuid.UUID `db:"owner_id"   json:"owner_id"`
	JobID     uuid.UUID `db:"job_id"     json:"job_id"`
	ItemID    uuid.UUID `db:"item_id"    json:"item_id"`
	ImageURL  string    `db:"image_url"  json:"image_url"`
	StyleID   string    `db:"style_id"   json:"style_id"`
	Platform  string    `db:"platform"   json:"platform"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
