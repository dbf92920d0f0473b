package identity

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"rideradar/models"
)

const (
	PriceBucketStep    = 2500
	OdometerBucketStep = 25000
)

var multiSpaceRegex = regexp.MustCompile(`\s+`)

// Fingerprint hashes the fields that describe a physical vehicle so the
// same car seen on two vendors (or twice on one) tends to collide. It is
// never used as a storage key.
func Fingerprint(l *models.Listing) string {
	year := ""
	if l.Year != nil {
		year = strconv.Itoa(*l.Year)
	}
	place := l.Suburb
	if strings.TrimSpace(place) == "" {
		place = l.Postcode
	}

	parts := []string{
		normalizePart(l.Make),
		normalizePart(l.Model),
		year,
		Bucket(l.Price, PriceBucketStep),
		Bucket(l.Odometer, OdometerBucketStep),
		normalizePart(l.Variant),
		normalizePart(place),
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Bucket rounds v down to a multiple of step and renders the range as
// "lo-hi". An absent value yields "".
func Bucket(v *int, step int) string {
	if v == nil || step <= 0 {
		return ""
	}
	lo := (*v / step) * step
	if *v < 0 && *v%step != 0 {
		lo -= step
	}
	return fmt.Sprintf("%d-%d", lo, lo+step)
}

func normalizePart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return multiSpaceRegex.ReplaceAllString(s, " ")
}
