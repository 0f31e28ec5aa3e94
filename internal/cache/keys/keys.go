// Package keys builds the redis key space for coverage batches, the cell
// reverse index, and cached upstream WFS responses.
package keys

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Coverage addresses the cached scan result for one batch of raster paths
// under one target SRS. The fingerprint folds path names, sizes and mtimes,
// so a touched raster lands on a fresh key.
func Coverage(target string, res int, fingerprint uint64) string {
	t := sanitizeTarget(strings.TrimSpace(target))
	return fmt.Sprintf("cov:%s:r=%d:b=%016x", t, res, fingerprint)
}

// Cell addresses the reverse index from one H3 cell to the coverage keys
// that touch it. Invalidation walks this index.
func Cell(target string, res int, cell string) string {
	t := sanitizeTarget(strings.TrimSpace(target))
	return fmt.Sprintf("cell:%s:r=%d:%s", t, res, cell)
}

// LayerPrefix addresses every cached response for one layer, whatever the
// bbox and filters. The invalidation consumer deletes by this prefix.
func LayerPrefix(layer string) string {
	return fmt.Sprintf("wfs:%s:", sanitizeTarget(strings.TrimSpace(layer)))
}

// Layer addresses a cached upstream GetFeature response.
func Layer(layer, bbox, filters string) string {
	layerNorm := sanitizeTarget(strings.TrimSpace(layer))
	bboxSafe := sanitizeForKey(strings.TrimSpace(bbox))
	filterText := normalizeFilters(filters)
	filterSafe := sanitizeForKey(filterText)

	const maxFilterTextLen = 160
	if len(filterSafe) > maxFilterTextLen {
		filterSafe = filterSafe[:maxFilterTextLen]
	}

	sum := xxhash.Sum64String(filterText + "|" + strings.TrimSpace(bbox))

	return fmt.Sprintf("wfs:%s:bbox=%s:filters=%s:f=%016x", layerNorm, bboxSafe, filterSafe, sum)
}

func normalizeFilters(s string) string {
	if s == "" {
		return ""
	}
	s = collapseASCIIWhitespace(strings.TrimSpace(s))
	// Remove spaces around these punctuation tokens.
	re := regexp.MustCompile(`\s*([=<>!\.,\(\)])\s*`)
	return re.ReplaceAllString(s, "$1")
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || r == '=':
			out = r
		default:
			// Any other rune (including non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func sanitizeTarget(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
