package models

import "time"

// CatalogRecord is a system-owned workout template mirrored from an external
// catalog. CreatedBy is always nil: nil means "owned by the system".
type CatalogRecord struct {
	ID                string            `json:"id"`
	ExternalID        int64             `json:"externalId"`
	Source            string            `json:"source"`
	CreatedBy         *string           `json:"createdBy"`
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Difficulty        string            `json:"difficulty"`
	EstimatedDuration int               `json:"estimatedDuration"`
	Category          string            `json:"category"`
	Exercises         []CatalogExercise `json:"exercises"`
	Attribution       Attribution       `json:"attribution"`
	Equipment         *string           `json:"equipment"`
	Tags              []string          `json:"tags"`
	SearchKeywords    []string          `json:"searchKeywords"`
	IsTemplate        bool              `json:"isTemplate"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// CatalogExercise is the single exercise embedded in a catalog workout.
type CatalogExercise struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Type         string   `json:"type"`
	MuscleGroups []string `json:"muscleGroups"`
	Equipment    *string  `json:"equipment"`
	ImageURL     *string  `json:"imageUrl"`
	VideoURL     *string  `json:"videoUrl"`
}

// Attribution carries the license details the external source requires.
type Attribution struct {
	Source              string  `json:"source"`
	SourceURL           string  `json:"sourceUrl"`
	LicenseName         *string `json:"licenseName"`
	LicenseURL          *string `json:"licenseUrl"`
	Author              *string `json:"author"`
	AuthorURL           *string `json:"authorUrl"`
	LicenseTitle        *string `json:"licenseTitle"`
	LicenseObjectURL    *string `json:"licenseObjectUrl"`
	DerivativeSourceURL *string `json:"derivativeSourceUrl"`
}
