package protocol

import "fmt"

// Room id derivation helpers. These are pure functions shared with the
// ingestion side so both ends of the pipe agree on room naming.
//
// Naming scheme:
//
//	h2h:{entryA}:{entryB}  - pairwise head-to-head room (order-independent)
//	league:{leagueID}      - per-league room
//	gw:{gameweek}          - per-gameweek room
//	entry:{entryID}        - per-manager room
//	global                 - fixed broadcast room
const GlobalRoom = "global"

// H2HRoomID derives a deterministic room id for a pairwise head-to-head
// matchup. The lower entry id always comes first, so both participants derive
// the same room regardless of argument order.
func H2HRoomID(entryA, entryB int64) string {
	if entryB < entryA {
		entryA, entryB = entryB, entryA
	}
	return fmt.Sprintf("h2h:%d:%d", entryA, entryB)
}

// LeagueRoomID derives the room id for a league-scoped broadcast.
func LeagueRoomID(leagueID int64) string {
	return fmt.Sprintf("league:%d", leagueID)
}

// GameweekRoomID derives the room id for events scoped to one gameweek.
func GameweekRoomID(gameweek int) string {
	return fmt.Sprintf("gw:%d", gameweek)
}

// EntryRoomID derives the room id for updates about a single FPL entry
// (manager team).
func EntryRoomID(entryID int64) string {
	return fmt.Sprintf("entry:%d", entryID)
}
