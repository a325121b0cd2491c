// Package clock implements the pure clock math of the Clock Engine (C8):
// deriving live remaining time from (balance, increment, lastMoveAt, now)
// and the flag/claim-win deadline arithmetic. It touches no store and no
// network; internal/session's atomic scripts perform the same arithmetic
// server-side where races matter (deductTimeScript) — this package exists so
// internal/protocol and internal/lifecycle can compute the same numbers for
// read-only purposes (game_state emission, clock_sync) without re-deriving
// the formula ad hoc.
package clock

// Live returns the side-to-move's remaining balance at instant nowMs, given
// their balance as of lastMoveAt. The opponent's clock is not running
// (spec.md §4.8) so this must only be called with the mover's own balance.
func Live(balanceMs, lastMoveAtMs, nowMs int64) int64 {
	if lastMoveAtMs == 0 {
		return balanceMs
	}
	elapsed := nowMs - lastMoveAtMs
	remaining := balanceMs - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HasBusted reports whether the side to move has exhausted their clock as
// of nowMs — used at game_state emission time to finalize server-side
// without waiting for a client-sent flag (spec.md §4.8, §8 boundary test).
func HasBusted(balanceMs, lastMoveAtMs, nowMs int64) bool {
	if lastMoveAtMs == 0 {
		return false
	}
	return nowMs-lastMoveAtMs >= balanceMs
}

// AfterMove computes the new balance for a mover who just completed a move,
// given their balance and increment. Mirrors deductTimeScript's arithmetic
// for read-only recomputation (e.g. optimistic client-side prediction
// checks); the script itself remains the authority for the actual write.
func AfterMove(balanceMs, lastMoveAtMs, nowMs, incrementMs int64) (newBalanceMs int64, busted bool) {
	elapsed := nowMs - lastMoveAtMs
	remaining := balanceMs - elapsed
	if remaining <= 0 {
		return 0, true
	}
	return remaining + incrementMs, false
}

// Deadline returns the epoch-ms deadline for a disconnect timer given the
// configured timeout in seconds.
func Deadline(nowMs int64, timeoutSeconds int) int64 {
	return nowMs + int64(timeoutSeconds)*1000
}
