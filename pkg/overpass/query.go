package overpass

import (
	"fmt"
	"strconv"
	"strings"
)

// RelationQuery fetches one relation with all of its members recursed.
// withGeom asks for inline way geometry; some endpoints reject that
// form with HTTP 400, so callers fall back to withGeom=false.
func RelationQuery(relationID int64, timeoutSec int, withGeom bool) string {
	return RelationsQuery([]int64{relationID}, timeoutSec, withGeom)
}

// RelationsQuery fetches several relations with members recursed.
func RelationsQuery(relationIDs []int64, timeoutSec int, withGeom bool) string {
	outMode := "out body;"
	if withGeom {
		outMode = "out body geom;"
	}
	return strings.Join([]string{
		Header(timeoutSec),
		fmt.Sprintf("relation(%s)->.r;", JoinIDs(relationIDs)),
		"(.r;>;);",
		outMode,
	}, "\n")
}

// Header is the common Overpass QL preamble.
func Header(timeoutSec int) string {
	return fmt.Sprintf("[out:json][timeout:%d];", timeoutSec)
}

// JoinIDs renders ids as a comma-separated Overpass id list.
func JoinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// EscapeRegex escapes backslashes and quotes so user text can be
// embedded in an Overpass QL regex match without breaking the query.
func EscapeRegex(q string) string {
	q = strings.ReplaceAll(q, `\`, `\\`)
	return strings.ReplaceAll(q, `"`, `\"`)
}
