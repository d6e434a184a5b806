package db

import (
	"strconv"
	"strings"

	"gorm.io/gorm"
)

// normalizeCrateName folds a publisher-supplied name into its canonical
// lookup form: lowercase, hyphens and underscores unified. OriginalName
// keeps what was actually published.
func normalizeCrateName(name string) string {
	lower := strings.ToLower(name)
	return strings.ReplaceAll(lower, "_", "-")
}

func strPtr(s string) *string {
	return &s
}

// optStrPtr returns nil for an empty optional field instead of a pointer
// to "", so the index codec omits it rather than emitting "".
func optStrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// isHigherVersion compares two version strings under semver precedence;
// a malformed core component sorts low.
func isHigherVersion(candidate, current string) bool {
	return compareVersions(candidate, current) > 0
}

// compareVersions orders versions by semver precedence: numeric core
// components first, then prerelease precedence. A release outranks any
// prerelease of the same core; prerelease identifiers compare
// numerically when both are numeric and by ASCII order otherwise, with
// numeric identifiers ranking below alphanumeric ones. Build metadata
// never affects precedence.
func compareVersions(a, b string) int {
	aCore, aPre := splitPrerelease(a)
	bCore, bPre := splitPrerelease(b)
	as := strings.Split(aCore, ".")
	bs := strings.Split(bCore, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av - bv
		}
	}
	return comparePrerelease(aPre, bPre)
}

func splitPrerelease(v string) (core, pre string) {
	v = strings.SplitN(v, "+", 2)[0]
	parts := strings.SplitN(v, "-", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func comparePrerelease(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	}
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aNumeric := numericIdent(as[i])
		bn, bNumeric := numericIdent(bs[i])
		switch {
		case aNumeric && bNumeric:
			if an != bn {
				return an - bn
			}
		case aNumeric:
			return -1
		case bNumeric:
			return 1
		default:
			if as[i] != bs[i] {
				if as[i] < bs[i] {
					return -1
				}
				return 1
			}
		}
	}
	return len(as) - len(bs)
}

func numericIdent(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// relinkNames replaces every link-table row for ownerID with one row per
// name in names, interning each name into its lookup table first. Used
// for authors/keywords/categories, which are fully replaced on every
// publish rather than diffed.
func relinkNames(tx *gorm.DB, ownerID int64, ownerCol, targetCol string, lookupModel interface{}, linkModel interface{}, names []string) error {
	if err := tx.Where(ownerCol+" = ?", ownerID).Delete(linkModel).Error; err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		id, err := internName(tx, lookupModel, name)
		if err != nil {
			return err
		}
		link := map[string]interface{}{ownerCol: ownerID, targetCol: id}
		if err := tx.Model(linkModel).Create(link).Error; err != nil {
			return err
		}
	}
	return nil
}

// internName finds-or-creates a row with Name == name in the given
// lookup table model and returns its ID.
func internName(tx *gorm.DB, model interface{}, name string) (int64, error) {
	switch m := model.(type) {
	case *Author:
		var row Author
		if err := tx.Where("name = ?", name).FirstOrCreate(&row, Author{Name: name}).Error; err != nil {
			return 0, err
		}
		return row.ID, nil
	case *Keyword:
		var row Keyword
		if err := tx.Where("name = ?", name).FirstOrCreate(&row, Keyword{Name: name}).Error; err != nil {
			return 0, err
		}
		return row.ID, nil
	case *Category:
		var row Category
		if err := tx.Where("name = ?", name).FirstOrCreate(&row, Category{Name: name}).Error; err != nil {
			return 0, err
		}
		return row.ID, nil
	default:
		_ = m
		return 0, nil
	}
}

// linkedNames joins a crate's link table back to its lookup table and
// returns the interned names in insertion order.
func linkedNames(db *gorm.DB, crateID int64, linkTable, targetCol, lookupTable string) ([]string, error) {
	var names []string
	err := db.Table(lookupTable).
		Joins("JOIN "+linkTable+" ON "+linkTable+"."+targetCol+" = "+lookupTable+".id").
		Where(linkTable+".crate_fk = ?", crateID).
		Order(lookupTable + ".id").
		Pluck(lookupTable+".name", &names).Error
	return names, err
}
