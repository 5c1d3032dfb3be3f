// Package extract projects a configured set of attributes out of parsed
// DICOM datasets, classifying each attribute by the information entity it
// describes (patient, study, series, equipment, instance).
package extract

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Scope is the information entity an attribute describes.
type Scope int

const (
	ScopePatient Scope = iota
	ScopeStudy
	ScopeSeries
	ScopeEquipment
	ScopeInstance
	ScopeCustom
)

// Strategy selects the shape of the extraction output.
type Strategy int

const (
	// ByScope groups values into per-scope maps.
	ByScope Strategy = iota
	// Flat puts every value into a single map.
	Flat
	// StudyLevel folds patient+study scopes into one map and everything
	// else into another.
	StudyLevel
	// Custom reports only the custom-alias extractions, flat.
	Custom
)

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "by_scope":
		return ByScope, nil
	case "flat":
		return Flat, nil
	case "study_level":
		return StudyLevel, nil
	case "custom":
		return Custom, nil
	}
	return 0, fmt.Errorf("extract: unknown grouping strategy %q", s)
}

// CustomTag names an attribute to extract under an alias of the caller's
// choosing. Tag accepts the same formats as regular requested names.
type CustomTag struct {
	Tag   string
	Alias string
}

// InvalidTagError reports a requested name that is neither a dictionary
// keyword nor a hex tag.
type InvalidTagError struct {
	Name string
}

func (e *InvalidTagError) Error() string {
	return fmt.Sprintf("extract: invalid tag name %q", e.Name)
}

// Scoped is the ByScope output shape. Maps for scopes with no extracted
// values are nil.
type Scoped struct {
	Patient   map[string]string
	Study     map[string]string
	Series    map[string]string
	Instance  map[string]string
	Equipment map[string]string
	Custom    map[string]string
}

// Levels is the StudyLevel output shape.
type Levels struct {
	StudyLevel    map[string]string
	InstanceLevel map[string]string
	Custom        map[string]string
}

// Extracted is the result of one extraction. Exactly one of the three
// shapes is populated, matching the extractor's strategy.
type Extracted struct {
	Scoped *Scoped
	Flat   map[string]string
	Levels *Levels
}

type field struct {
	tag   tag.Tag
	name  string
	scope Scope
}

// Extractor resolves a requested attribute set once and then projects it
// out of any number of datasets. Safe for concurrent use.
type Extractor struct {
	fields   []field
	strategy Strategy
}

// New builds an extractor. Requested names accept a dictionary keyword
// ("PatientName"), bare hex ("00100010"), or parenthesized hex
// ("(0010,0010)"). Malformed names fail with *InvalidTagError.
func New(names []string, custom []CustomTag, strategy Strategy) (*Extractor, error) {
	e := &Extractor{strategy: strategy}
	for _, name := range names {
		t, reportName, err := parseName(name)
		if err != nil {
			return nil, err
		}
		e.fields = append(e.fields, field{tag: t, name: reportName, scope: Classify(t)})
	}
	for _, c := range custom {
		t, _, err := parseName(c.Tag)
		if err != nil {
			return nil, err
		}
		e.fields = append(e.fields, field{tag: t, name: c.Alias, scope: ScopeCustom})
	}
	return e, nil
}

// parseName resolves one requested name to a tag and its reporting name.
func parseName(name string) (tag.Tag, string, error) {
	if t, ok := parseHexTag(name); ok {
		if info, err := tag.Find(t); err == nil {
			return t, info.Name, nil
		}
		return t, fmt.Sprintf("(%04X,%04X)", t.Group, t.Element), nil
	}
	if info, err := tag.FindByName(name); err == nil {
		return info.Tag, info.Name, nil
	}
	return tag.Tag{}, "", &InvalidTagError{Name: name}
}

func parseHexTag(name string) (tag.Tag, bool) {
	s := name
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		inner := s[1 : len(s)-1]
		parts := strings.Split(inner, ",")
		if len(parts) != 2 {
			return tag.Tag{}, false
		}
		s = parts[0] + parts[1]
	}
	if len(s) != 8 {
		return tag.Tag{}, false
	}
	group, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return tag.Tag{}, false
	}
	element, err := strconv.ParseUint(s[4:], 16, 16)
	if err != nil {
		return tag.Tag{}, false
	}
	return tag.Tag{Group: uint16(group), Element: uint16(element)}, true
}

// Classify returns the scope of an attribute per the DICOM information
// model. Named elements take precedence over the equipment group range, so
// e.g. ProtocolName (0018,1030) classifies as Series.
func Classify(t tag.Tag) Scope {
	switch t.Group {
	case 0x0010:
		return ScopePatient
	case 0x0032:
		return ScopeStudy
	case 0x0008:
		switch t.Element {
		case 0x0020, 0x0030, 0x0050, 0x0090, 0x1030, 0x1048:
			return ScopeStudy
		case 0x0021, 0x0031, 0x0060, 0x0070, 0x0080, 0x0081, 0x1010, 0x103E, 0x1050, 0x1070:
			return ScopeSeries
		}
	case 0x0020:
		switch t.Element {
		case 0x000D, 0x0010:
			return ScopeStudy
		case 0x000E, 0x0011, 0x0060, 0x1002:
			return ScopeSeries
		}
	case 0x0018:
		switch t.Element {
		case 0x0015, 0x1030:
			return ScopeSeries
		}
		if t.Element >= 0x1000 && t.Element <= 0x1FFF {
			return ScopeEquipment
		}
	}
	return ScopeInstance
}

// Extract projects the configured attributes out of ds. Attributes absent
// from the dataset are skipped. The result is deterministic for identical
// inputs.
func (e *Extractor) Extract(ds *dicom.Dataset) *Extracted {
	out := &Extracted{}
	put := func(f field, value string) {
		switch e.strategy {
		case Flat:
			setValue(&out.Flat, f.name, value)
		case Custom:
			if f.scope == ScopeCustom {
				setValue(&out.Flat, f.name, value)
			}
		case StudyLevel:
			if out.Levels == nil {
				out.Levels = &Levels{}
			}
			switch f.scope {
			case ScopePatient, ScopeStudy:
				setValue(&out.Levels.StudyLevel, f.name, value)
			case ScopeCustom:
				setValue(&out.Levels.Custom, f.name, value)
			default:
				setValue(&out.Levels.InstanceLevel, f.name, value)
			}
		default: // ByScope
			if out.Scoped == nil {
				out.Scoped = &Scoped{}
			}
			switch f.scope {
			case ScopePatient:
				setValue(&out.Scoped.Patient, f.name, value)
			case ScopeStudy:
				setValue(&out.Scoped.Study, f.name, value)
			case ScopeSeries:
				setValue(&out.Scoped.Series, f.name, value)
			case ScopeEquipment:
				setValue(&out.Scoped.Equipment, f.name, value)
			case ScopeCustom:
				setValue(&out.Scoped.Custom, f.name, value)
			default:
				setValue(&out.Scoped.Instance, f.name, value)
			}
		}
	}
	for _, f := range e.fields {
		elem, err := ds.FindElementByTag(f.tag)
		if err != nil || elem == nil {
			continue
		}
		put(f, stringify(elem))
	}
	switch e.strategy {
	case Flat, Custom:
		// Flat output stays nil when nothing matched.
	case StudyLevel:
		if out.Levels == nil {
			out.Levels = &Levels{}
		}
	default:
		if out.Scoped == nil {
			out.Scoped = &Scoped{}
		}
	}
	return out
}

func setValue(m *map[string]string, name, value string) {
	if *m == nil {
		*m = make(map[string]string)
	}
	(*m)[name] = value
}

// stringify renders an element value the way it appears in a dataset dump:
// multi-values joined with backslash, trailing padding trimmed.
func stringify(elem *dicom.Element) string {
	switch v := elem.Value.GetValue().(type) {
	case []string:
		parts := make([]string, len(v))
		for i, s := range v {
			parts[i] = strings.TrimRight(s, " \x00")
		}
		return strings.Join(parts, `\`)
	case []int:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, `\`)
	case []float64:
		parts := make([]string, len(v))
		for i, f := range v {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return strings.Join(parts, `\`)
	case []byte:
		return strings.TrimRight(string(v), " \x00")
	default:
		return strings.TrimRight(elem.Value.String(), " \x00")
	}
}

// StudyTags returns the values that attach at study level: patient+study
// scopes for ByScope, the study_level map for StudyLevel, nothing for flat
// shapes.
func (x *Extracted) StudyTags() map[string]string {
	switch {
	case x.Scoped != nil:
		return mergeMaps(x.Scoped.Patient, x.Scoped.Study)
	case x.Levels != nil:
		return copyMap(x.Levels.StudyLevel)
	}
	return nil
}

// SeriesTags returns the values that attach at series level.
func (x *Extracted) SeriesTags() map[string]string {
	if x.Scoped != nil {
		return copyMap(x.Scoped.Series)
	}
	return nil
}

// InstanceTags returns the values that attach to the individual instance.
func (x *Extracted) InstanceTags() map[string]string {
	switch {
	case x.Scoped != nil:
		return mergeMaps(x.Scoped.Instance, x.Scoped.Equipment, x.Scoped.Custom)
	case x.Levels != nil:
		return mergeMaps(x.Levels.InstanceLevel, x.Levels.Custom)
	}
	return copyMap(x.Flat)
}

func mergeMaps(ms ...map[string]string) map[string]string {
	var out map[string]string
	for _, m := range ms {
		for k, v := range m {
			if out == nil {
				out = make(map[string]string)
			}
			out[k] = v
		}
	}
	return out
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
