// Package catalog maps external exercises into system-owned workout
// templates and stores them with idempotent upsert-merge writes.
package catalog

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/pario-ai/tollgate/pkg/models"
	"github.com/pario-ai/tollgate/pkg/wger"
)

const (
	Source             = "wger"
	DefaultName        = "Workout"
	DefaultDescription = "Exercise from wger."
	englishLanguageID  = "2"
)

// Transformer turns wger exercises into catalog records. It is safe for
// concurrent use.
type Transformer struct {
	siteURL string
	policy  *bluemonday.Policy
}

// NewTransformer creates a Transformer; relative media paths are resolved
// against siteURL.
func NewTransformer(siteURL string) *Transformer {
	return &Transformer{
		siteURL: strings.TrimRight(siteURL, "/"),
		policy:  bluemonday.StrictPolicy().AddSpaceWhenStrippingTag(true),
	}
}

// ID is the deterministic record id of an external exercise.
func ID(externalID int64) string {
	return Source + "_" + strconv.FormatInt(externalID, 10)
}

// Record maps ex to a catalog record. CreatedAt and UpdatedAt are left for
// the store to set.
func (t *Transformer) Record(ex wger.Exercise) models.CatalogRecord {
	tr := pickTranslation(ex.Translations)

	name := DefaultName
	var description string
	if tr != nil {
		if tr.Name != "" {
			name = tr.Name
		}
		description = t.StripHTML(tr.Description)
	}
	if description == "" {
		description = DefaultDescription
	}

	var equipment []string
	for _, e := range ex.Equipment {
		if e.Name != "" {
			equipment = append(equipment, e.Name)
		}
	}
	muscles := collectMuscles(ex)
	category := mapCategory(ex.Category)

	tags := make([]string, 0, len(equipment)+len(muscles)+1)
	tags = append(tags, equipment...)
	tags = append(tags, muscles...)
	tags = append(tags, category)

	var equipmentJoined *string
	if len(equipment) > 0 {
		s := strings.Join(equipment, ", ")
		equipmentJoined = &s
	}

	var imageURL, videoURL *string
	for _, img := range ex.Images {
		if img.Image != "" {
			imageURL = t.absoluteURL(img.Image)
			break
		}
	}
	for _, v := range ex.Videos {
		if v.Video != "" {
			videoURL = t.absoluteURL(v.Video)
			break
		}
	}

	if muscles == nil {
		muscles = []string{}
	}

	keywordParts := append([]string{name, description, category}, equipment...)
	keywordParts = append(keywordParts, muscles...)

	return models.CatalogRecord{
		ID:                ID(ex.ID),
		ExternalID:        ex.ID,
		Source:            Source,
		CreatedBy:         nil,
		Name:              name,
		Description:       description,
		Difficulty:        "beginner",
		EstimatedDuration: 20,
		Category:          category,
		Exercises: []models.CatalogExercise{{
			ID:           strconv.FormatInt(ex.ID, 10),
			Name:         name,
			Description:  description,
			Type:         "reps",
			MuscleGroups: muscles,
			Equipment:    equipmentJoined,
			ImageURL:     imageURL,
			VideoURL:     videoURL,
		}},
		Attribution:    t.attribution(ex, tr),
		Equipment:      equipmentJoined,
		Tags:           tags,
		SearchKeywords: Keywords(keywordParts...),
		IsTemplate:     true,
	}
}

// StripHTML removes markup, decodes entities and collapses whitespace.
func (t *Transformer) StripHTML(s string) string {
	text := html.UnescapeString(t.policy.Sanitize(s))
	return strings.Join(strings.Fields(text), " ")
}

func (t *Transformer) absoluteURL(path string) *string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return &path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := t.siteURL + path
	return &u
}

func (t *Transformer) attribution(ex wger.Exercise, tr *wger.Translation) models.Attribution {
	a := models.Attribution{
		Source:    Source,
		SourceURL: fmt.Sprintf("%s/en/exercise/%d", t.siteURL, ex.ID),
	}
	if ex.License != nil {
		a.LicenseName = firstNonEmpty(ex.License.FullName, ex.License.ShortName)
		a.LicenseURL = firstNonEmpty(ex.License.URL)
	}
	if tr != nil {
		a.Author = firstNonEmpty(tr.LicenseAuthor, ex.LicenseAuthor)
		a.AuthorURL = firstNonEmpty(tr.LicenseAuthorURL)
		a.LicenseTitle = firstNonEmpty(tr.LicenseTitle)
		a.LicenseObjectURL = firstNonEmpty(tr.LicenseObjectURL)
		a.DerivativeSourceURL = firstNonEmpty(tr.LicenseDerivativeSourceURL)
	} else {
		a.Author = firstNonEmpty(ex.LicenseAuthor)
	}
	return a
}

// pickTranslation prefers English, identified by id 2 or by name, and falls
// back to the first translation.
func pickTranslation(trs []wger.Translation) *wger.Translation {
	if len(trs) == 0 {
		return nil
	}
	for i := range trs {
		switch strings.ToLower(string(trs[i].Language)) {
		case englishLanguageID, "en", "english":
			return &trs[i]
		}
	}
	return &trs[0]
}

func collectMuscles(ex wger.Exercise) []string {
	var out []string
	for _, group := range [][]wger.Muscle{ex.Muscles, ex.MusclesSecondary} {
		for _, m := range group {
			name := m.NameEn
			if name == "" {
				name = m.Name
			}
			if name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func mapCategory(c *wger.Named) string {
	if c == nil || c.Name == "" {
		return "strength"
	}
	n := strings.ToLower(c.Name)
	switch {
	case strings.Contains(n, "cardio"), strings.Contains(n, "run"):
		return "cardio"
	case strings.Contains(n, "stretch"), strings.Contains(n, "flex"):
		return "flexibility"
	case strings.Contains(n, "yoga"):
		return "yoga"
	default:
		return "strength"
	}
}

func firstNonEmpty(vals ...string) *string {
	for _, v := range vals {
		if v != "" {
			return &v
		}
	}
	return nil
}
