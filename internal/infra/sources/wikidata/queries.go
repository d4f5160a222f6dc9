package wikidata

import (
	"fmt"
	"strings"
	"time"
)

// Entity classes and properties the discovery and enrichment queries are
// built from. Genres are anything typed (transitively) as a music genre;
// artists are musical groups plus humans with a musician occupation; albums
// are anything typed (transitively) as a release group.
const (
	classMusicGenre    = "Q188451"
	classMusicalGroup  = "Q215380"
	classHuman         = "Q5"
	classReleaseGroup  = "Q482994"
	occupationMusician = "Q639669"
)

// genreClassPattern and artistClassPattern are the WHERE fragments that
// scope a query to one entity kind.
var (
	genreClassPattern = fmt.Sprintf("?entity wdt:P31/wdt:P279* wd:%s .", classMusicGenre)

	artistClassPattern = fmt.Sprintf(
		"{ ?entity wdt:P31 wd:%s . } UNION { ?entity wdt:P31 wd:%s ; wdt:P106 wd:%s . }",
		classMusicalGroup, classHuman, occupationMusician,
	)
)

// newEntitiesQuery pages entities of one class by the numeric part of their
// id. The ordinal is monotonically assigned at entity creation, which makes
// it a stable cursor for "everything created since the last run".
func newEntitiesQuery(classPattern string, afterOrdinal int64, limit int) string {
	return fmt.Sprintf(`SELECT ?entity WHERE {
  %s
  BIND(xsd:integer(STRAFTER(STR(?entity), "/Q")) AS ?ord)
  FILTER(?ord > %d)
}
ORDER BY ?ord
LIMIT %d`, classPattern, afterOrdinal, limit)
}

// changedEntitiesQuery pages entities of one class by modification
// timestamp, strictly after the given watermark.
func changedEntitiesQuery(classPattern string, since time.Time, limit int) string {
	return fmt.Sprintf(`SELECT ?entity ?modified WHERE {
  %s
  ?entity schema:dateModified ?modified .
  FILTER(?modified > "%s"^^xsd:dateTime)
}
ORDER BY ?modified
LIMIT %d`, classPattern, since.UTC().Format(time.RFC3339), limit)
}

// valuesClause renders a batch of entity ids as a VALUES binding so one
// round trip enriches the whole batch.
func valuesClause(variable string, qids []string) string {
	var sb strings.Builder
	sb.WriteString("VALUES ?")
	sb.WriteString(variable)
	sb.WriteString(" {")
	for _, qid := range qids {
		sb.WriteString(" wd:")
		sb.WriteString(qid)
	}
	sb.WriteString(" }")
	return sb.String()
}

const labelService = `SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }`

func enrichGenresQuery(qids []string) string {
	return fmt.Sprintf(`SELECT ?entity ?entityLabel ?entityDescription ?inception ?country ?countryLabel ?parent WHERE {
  %s
  OPTIONAL { ?entity wdt:P571 ?inception . }
  OPTIONAL { ?entity wdt:P495 ?country . }
  OPTIONAL { ?entity wdt:P279 ?parent . }
  %s
}`, valuesClause("entity", qids), labelService)
}

func enrichArtistsQuery(qids []string) string {
	return fmt.Sprintf(`SELECT ?entity ?entityLabel ?entityDescription ?country ?countryLabel ?formed ?dissolved ?genre ?website ?mbid ?spotify WHERE {
  %s
  OPTIONAL { ?entity wdt:P495 ?country . }
  OPTIONAL { ?entity wdt:P571 ?formed . }
  OPTIONAL { ?entity wdt:P576 ?dissolved . }
  OPTIONAL { ?entity wdt:P136 ?genre . }
  OPTIONAL { ?entity wdt:P856 ?website . }
  OPTIONAL { ?entity wdt:P434 ?mbid . }
  OPTIONAL { ?entity wdt:P1902 ?spotify . }
  %s
}`, valuesClause("entity", qids), labelService)
}

func enrichAlbumsQuery(qids []string) string {
	return fmt.Sprintf(`SELECT ?entity ?entityLabel ?artist ?type ?typeLabel ?published ?rgmbid WHERE {
  %s
  OPTIONAL { ?entity wdt:P175 ?artist . }
  OPTIONAL { ?entity wdt:P31 ?type . }
  OPTIONAL { ?entity wdt:P577 ?published . }
  OPTIONAL { ?entity wdt:P436 ?rgmbid . }
  %s
}`, valuesClause("entity", qids), labelService)
}

// albumsForArtistsQuery discovers every release group performed by any of
// the given artists. Unlike the enrichment queries the type constraint is
// required here: it is what scopes the performer's works to albums.
func albumsForArtistsQuery(artistQIDs []string) string {
	return fmt.Sprintf(`SELECT ?entity ?entityLabel ?artist ?type ?typeLabel ?published ?rgmbid WHERE {
  %s
  ?entity wdt:P175 ?artist ;
          wdt:P31 ?type .
  ?type wdt:P279* wd:%s .
  OPTIONAL { ?entity wdt:P577 ?published . }
  OPTIONAL { ?entity wdt:P436 ?rgmbid . }
  %s
}`, valuesClause("artist", artistQIDs), classReleaseGroup, labelService)
}
