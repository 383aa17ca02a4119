package terminology

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category defines one reporting category. Every set field must match for a
// record to qualify: extract kind, place-of-service code, and CPT membership.
type Category struct {
	ID             string   `yaml:"id" json:"id"`
	Label          string   `yaml:"label" json:"label"`
	Extract        string   `yaml:"extract,omitempty" json:"extract,omitempty"`
	PlaceOfService string   `yaml:"place_of_service,omitempty" json:"place_of_service,omitempty"`
	CPTCodes       []string `yaml:"cpt_codes,omitempty" json:"cpt_codes,omitempty"`
}

// Disposition classifies a discharge destination. Keywords are matched against
// the destination text in declared order; an entry with no keywords is the
// fallback class.
type Disposition struct {
	Code     string   `yaml:"code" json:"code"`
	Label    string   `yaml:"label" json:"label"`
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
}

type Facility struct {
	Key     string `yaml:"key" json:"key"`
	Display string `yaml:"display" json:"display"`
}

// Catalog is the externally configured reporting vocabulary: the enumerated
// procedure codes, reporting categories, payer classes, discharge disposition
// classes, and the known-facility roster. Adding a code or category is a
// catalog edit, never a code change.
type Catalog struct {
	ProcedureCodes []string      `yaml:"procedure_codes" json:"procedure_codes"`
	Categories     []Category    `yaml:"categories" json:"categories"`
	PayerClasses   []string      `yaml:"payer_classes" json:"payer_classes"`
	Dispositions   []Disposition `yaml:"dispositions" json:"dispositions"`
	Facilities     []Facility    `yaml:"facilities" json:"facilities"`
}

func Load(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := ioutil.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}
	if len(cat.Categories) == 0 && len(cat.ProcedureCodes) == 0 {
		return Catalog{}, fmt.Errorf("reporting catalog empty")
	}
	return cat, nil
}

// FacilityDisplay returns the configured display name for a facility key.
func (c Catalog) FacilityDisplay(key string) (string, bool) {
	for _, f := range c.Facilities {
		if strings.EqualFold(f.Key, key) {
			return f.Display, true
		}
	}
	return "", false
}

// HasFacilityRoster reports whether a known-facility roster is configured.
// With no roster there is nothing to resolve labels against, so unresolved
// facility checks are skipped.
func (c Catalog) HasFacilityRoster() bool {
	return len(c.Facilities) > 0
}

// ClassifyDischarge maps a discharge destination text to a disposition class.
// The first declared disposition with a matching keyword wins; declaration
// order therefore encodes precedence (e.g. "home health" before "home").
func (c Catalog) ClassifyDischarge(destination string) Disposition {
	text := strings.ToLower(strings.TrimSpace(destination))
	var fallback *Disposition
	for i := range c.Dispositions {
		d := c.Dispositions[i]
		if len(d.Keywords) == 0 {
			if fallback == nil {
				fallback = &c.Dispositions[i]
			}
			continue
		}
		for _, kw := range d.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return d
			}
		}
	}
	if fallback != nil {
		return *fallback
	}
	return Disposition{Code: "OT", Label: "Other"}
}

// HasCode reports whether a procedure code belongs to the enumerated set.
func (c Catalog) HasCode(code string) bool {
	for _, want := range c.ProcedureCodes {
		if want == code {
			return true
		}
	}
	return false
}

func DefaultCatalog() Catalog {
	return Catalog{
		ProcedureCodes: []string{"20600", "20604", "20605", "20606", "20610", "20611"},
		Categories: []Category{
			{
				ID:             "ltc",
				Label:          "LTC",
				Extract:        "charge_capture",
				PlaceOfService: "32",
			},
			{
				ID:       "injections",
				Label:    "Injections",
				Extract:  "charge_capture",
				CPTCodes: []string{"20600", "20604", "20605", "20606", "20610", "20611"},
			},
		},
		PayerClasses: []string{"Medicare A", "Managed Care"},
		Dispositions: []Disposition{
			{Code: "Ex", Label: "Expired", Keywords: []string{"funeral", "expired", "deceased"}},
			{Code: "HT", Label: "Hospital Transfer", Keywords: []string{"hospital"}},
			{Code: "HDN", Label: "Home w/ Nursing", Keywords: []string{"home health", "home care"}},
			{Code: "HD", Label: "Home Discharge", Keywords: []string{"home"}},
			{Code: "Cus", Label: "Custodial", Keywords: []string{"custodial"}},
			{Code: "AL", Label: "Assisted Living", Keywords: []string{"assisted"}},
			{Code: "SNF", Label: "Skilled Nursing", Keywords: []string{"skilled", "snf"}},
			{Code: "OT", Label: "Other"},
		},
	}
}
