// internal/discovery/metadata.go
package discovery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gousb"

	"instrument-service/internal/model"
)

// MatchesMetadata reports whether a candidate's OS metadata names the
// descriptor. The name fragment is a case-sensitive substring; USB ids match
// in either hex or decimal form, and both must appear when both are set.
func MatchesMetadata(desc model.Descriptor, metadata string) bool {
	if metadata == "" {
		return false
	}
	if desc.NameFragment != "" && strings.Contains(metadata, desc.NameFragment) {
		return true
	}
	if !desc.HasUSBID() {
		return false
	}

	lower := strings.ToLower(metadata)
	for _, id := range []*gousb.ID{desc.VendorID, desc.ProductID} {
		if id != nil && !containsID(lower, *id) {
			return false
		}
	}
	return true
}

func containsID(lowerMetadata string, id gousb.ID) bool {
	hex := fmt.Sprintf("%04x", uint16(id))
	dec := strconv.Itoa(int(id))
	return strings.Contains(lowerMetadata, hex) || strings.Contains(lowerMetadata, dec)
}

// partition splits candidates into metadata matches and the rest, both in
// enumeration order
func partition(desc model.Descriptor, candidates []Candidate) (targeted, rest []Candidate) {
	for _, c := range candidates {
		if MatchesMetadata(desc, c.Metadata) {
			targeted = append(targeted, c)
		} else {
			rest = append(rest, c)
		}
	}
	return targeted, rest
}
