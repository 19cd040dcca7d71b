package wger

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Exercise is an entry of the exerciseinfo listing, reduced to the fields
// the catalog uses.
type Exercise struct {
	ID               int64         `json:"id"`
	Category         *Named        `json:"category"`
	Equipment        []Named       `json:"equipment"`
	Muscles          []Muscle      `json:"muscles"`
	MusclesSecondary []Muscle      `json:"muscles_secondary"`
	Images           []Image       `json:"images"`
	Videos           []Video       `json:"videos"`
	Translations     []Translation `json:"translations"`
	License          *License      `json:"license"`
	LicenseAuthor    string        `json:"license_author"`
}

// Named is any object with a display name.
type Named struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Muscle prefers NameEn when set.
type Muscle struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	NameEn string `json:"name_en"`
}

type Image struct {
	Image string `json:"image"`
}

type Video struct {
	Video string `json:"video"`
}

type License struct {
	FullName  string `json:"full_name"`
	ShortName string `json:"short_name"`
	URL       string `json:"url"`
}

// Translation is the localized text of an exercise.
type Translation struct {
	Name                       string   `json:"name"`
	Description                string   `json:"description"`
	Language                   Language `json:"language"`
	LicenseAuthor              string   `json:"license_author"`
	LicenseAuthorURL           string   `json:"license_author_url"`
	LicenseTitle               string   `json:"license_title"`
	LicenseObjectURL           string   `json:"license_object_url"`
	LicenseDerivativeSourceURL string   `json:"license_derivative_source_url"`
}

// Language is a language reference sent either as a numeric id or a string.
// Numbers are kept in decimal form, so id 2 and "2" compare equal.
type Language string

// UnmarshalJSON accepts numbers, strings and null.
func (l *Language) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*l = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = Language(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		if i, err := n.Int64(); err == nil {
			*l = Language(strconv.FormatInt(i, 10))
		} else {
			*l = Language(n.String())
		}
	}
	return nil
}
