// Each party is a room identified by a shared 8-character code
// One player joins as the host; everyone else joins as a regular player
// The host starts timed rounds, one question per round
// Two modes: pick which professor a review describes, or judge whether a review is AI-written
// Players get one answer per round; a correct answer is worth a flat 100 points
// When a round ends (host action or timer), the tally and leaderboard are broadcast to the whole party

// Display formats:
// Lobby with live player list, round screen with option buttons, leaderboard between rounds

// Implementation details:
// - Use websockets to push roster, round, and result updates to every connected player
// - Identify players by cookie on first connection, as a fallback for the id the client supplies
// - The host fetches question data asynchronously; rounds may start in a loading state
// - All session state is in memory and scoped to process lifetime; idle parties are reaped

// How to play
// - The host opens the party URL and shares it (QR button) with everyone else
// - Each player joins with a display name
// - The host starts a round; players answer before the timer runs out
// - Between rounds, the leaderboard shows cumulative standings

package games
