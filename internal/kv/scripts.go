package kv

import (
	"context"
	"errors"
	"fmt"
)

// The four atomic scripts spec.md §4.2 requires. Each is loaded once at
// startup (loadScripts) and invoked here with EVALSHA so every read-modify-
// write the spec calls out as race-prone runs as a single Redis operation.

const joinScriptLua = `
local gameKey, seatsKey = KEYS[1], KEYS[2]
local joinerToken, nowMs, ttlSeconds, resolvedColor = ARGV[1], ARGV[2], ARGV[3], ARGV[4]

local status = redis.call('HGET', gameKey, 'status')
if status ~= 'WAITING' then
  return {'err', 'NotWaiting'}
end

local blackToken = redis.call('HGET', seatsKey, 'blackToken')
if blackToken and blackToken ~= '' then
  return {'err', 'AlreadyFull'}
end

local whiteToken = redis.call('HGET', seatsKey, 'whiteToken')
local joinerRole

if resolvedColor == 'black' then
  redis.call('HSET', seatsKey, 'blackToken', whiteToken)
  redis.call('HSET', seatsKey, 'whiteToken', joinerToken)
  joinerRole = 'white'
else
  redis.call('HSET', seatsKey, 'blackToken', joinerToken)
  joinerRole = 'black'
end

redis.call('HSET', gameKey, 'status', 'IN_PROGRESS')
redis.call('HSET', gameKey, 'updatedAt', nowMs)

local initial = tonumber(redis.call('HGET', gameKey, 'timeInitialMs'))
if initial and initial > 0 then
  redis.call('HSET', gameKey, 'whiteTimeMs', initial)
  redis.call('HSET', gameKey, 'blackTimeMs', initial)
  redis.call('HSET', gameKey, 'lastMoveAt', nowMs)
end

redis.call('EXPIRE', gameKey, ttlSeconds)
redis.call('EXPIRE', seatsKey, ttlSeconds)

local finalWhite = redis.call('HGET', seatsKey, 'whiteToken')
local finalBlack = redis.call('HGET', seatsKey, 'blackToken')
return {'ok', joinerRole, finalWhite, finalBlack}
`

const deductTimeScriptLua = `
local gameKey, movesKey = KEYS[1], KEYS[2]
local mover, nowMs, san, fen, moveNumber, clockMsAfter, ttlSeconds = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7]

local status = redis.call('HGET', gameKey, 'status')
if status ~= 'IN_PROGRESS' then
  return {'err', 'NotInProgress'}
end

local entry = '{"moveNumber":' .. moveNumber .. ',"san":"' .. san .. '","fen":"' .. fen .. '","createdAtMs":' .. nowMs .. ',"clockMsAfter":' .. clockMsAfter .. '}'

local initial = tonumber(redis.call('HGET', gameKey, 'timeInitialMs'))
if not initial or initial == 0 then
  redis.call('HSET', gameKey, 'currentFen', fen)
  redis.call('HSET', gameKey, 'updatedAt', nowMs)
  redis.call('RPUSH', movesKey, entry)
  redis.call('EXPIRE', gameKey, ttlSeconds)
  redis.call('EXPIRE', movesKey, ttlSeconds)
  return {'ok', 'untimed'}
end

local balanceField = mover .. 'TimeMs'
local lastMoveAt = tonumber(redis.call('HGET', gameKey, 'lastMoveAt'))
local balance = tonumber(redis.call('HGET', gameKey, balanceField))
local elapsed = tonumber(nowMs) - lastMoveAt
local remaining = balance - elapsed

if remaining <= 0 then
  return {'timeout', mover}
end

local increment = tonumber(redis.call('HGET', gameKey, 'timeIncrementMs'))
local newBalance = remaining + increment
entry = '{"moveNumber":' .. moveNumber .. ',"san":"' .. san .. '","fen":"' .. fen .. '","createdAtMs":' .. nowMs .. ',"clockMsAfter":' .. newBalance .. '}'

redis.call('HSET', gameKey, balanceField, newBalance)
redis.call('HSET', gameKey, 'lastMoveAt', nowMs)
redis.call('HSET', gameKey, 'currentFen', fen)
redis.call('HSET', gameKey, 'updatedAt', nowMs)
redis.call('RPUSH', movesKey, entry)
redis.call('EXPIRE', gameKey, ttlSeconds)
redis.call('EXPIRE', movesKey, ttlSeconds)

return {'ok', tostring(newBalance)}
`

const claimWinScriptLua = `
local gameKey, seatsKey, timerKey = KEYS[1], KEYS[2], KEYS[3]
local claimant, nowMs, ttlSeconds = ARGV[1], ARGV[2], ARGV[3]

local timerRaw = redis.call('GET', timerKey)
if not timerRaw then
  return {'err', 'NoTimer'}
end

local timer = cjson.decode(timerRaw)
local disconnectedColor = timer['disconnectedColor']
local deadlineMs = timer['deadlineMs']

local opponent
if disconnectedColor == 'white' then opponent = 'black' else opponent = 'white' end

if claimant ~= opponent then
  return {'err', 'NotOpponent'}
end

if tonumber(nowMs) < tonumber(deadlineMs) then
  return {'err', 'DeadlineNotPassed'}
end

local connectedField = disconnectedColor .. 'Connected'
local connected = redis.call('HGET', seatsKey, connectedField)
if connected == '1' or connected == 'true' then
  return {'err', 'OpponentReconnected'}
end

local result
if claimant == 'white' then result = 'WHITE_WINS' else result = 'BLACK_WINS' end

redis.call('HSET', gameKey, 'status', 'ABANDONED')
redis.call('HSET', gameKey, 'result', result)
redis.call('HSET', gameKey, 'updatedAt', nowMs)
redis.call('DEL', timerKey)
redis.call('EXPIRE', gameKey, ttlSeconds)

return {'ok', result}
`

const rateLimitScriptLua = `
local counterKey = KEYS[1]
local windowSeconds, maxCount = tonumber(ARGV[1]), tonumber(ARGV[2])

local count = redis.call('INCR', counterKey)
if count == 1 then
  redis.call('EXPIRE', counterKey, windowSeconds)
end
local ttl = redis.call('TTL', counterKey)
if ttl < 0 then ttl = windowSeconds end

if count > maxCount then
  return {'0', tostring(0), tostring(ttl)}
end

return {'1', tostring(maxCount - count), tostring(ttl)}
`

// JoinOutcome is the decoded reply of joinScript.
type JoinOutcome struct {
	Status      string // "ok", "NotWaiting", "AlreadyFull"
	JoinerRole  string // "white" or "black"
	WhiteToken  string
	BlackToken  string
}

var (
	ErrNotWaiting  = errors.New("kv: game is not waiting for a second player")
	ErrAlreadyFull = errors.New("kv: game already has two seats")
)

// Join runs joinScript. resolvedColor must already have "random" resolved to
// "white" or "black" by the caller (internal/session), keeping the coin
// flip's randomness source in Go rather than Lua.
func (s *Store) Join(ctx context.Context, gameKey, seatsKey string, joinerToken string, nowMs int64, ttlSeconds int, resolvedColor string) (JoinOutcome, error) {
	res, err := s.rdb.EvalSha(ctx, s.joinSHA, []string{gameKey, seatsKey}, joinerToken, nowMs, ttlSeconds, resolvedColor).Result()
	if err != nil {
		return JoinOutcome{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return JoinOutcome{}, fmt.Errorf("kv: unexpected joinScript reply %v", res)
	}
	status := toString(arr[0])
	if status == "err" {
		reason := toString(arr[1])
		switch reason {
		case "NotWaiting":
			return JoinOutcome{Status: reason}, ErrNotWaiting
		case "AlreadyFull":
			return JoinOutcome{Status: reason}, ErrAlreadyFull
		default:
			return JoinOutcome{Status: reason}, fmt.Errorf("kv: join failed: %s", reason)
		}
	}
	return JoinOutcome{
		Status:     "ok",
		JoinerRole: toString(arr[1]),
		WhiteToken: toString(arr[2]),
		BlackToken: toString(arr[3]),
	}, nil
}

// DeductTimeOutcome is the decoded reply of deductTimeScript.
type DeductTimeOutcome struct {
	Status       string // "ok", "timeout", "NotInProgress"
	NewBalanceMs int64
	TimedOutMover string
}

var ErrNotInProgress = errors.New("kv: game is not in progress")

// DeductTimeAndMove runs deductTimeScript: computes elapsed time against the
// mover's clock balance, rejects the move as a flag if the balance is
// exhausted, otherwise credits the increment and appends the move.
func (s *Store) DeductTimeAndMove(ctx context.Context, gameKey, movesKey string, mover string, nowMs int64, san, fen string, moveNumber int, clockMsAfter int64, ttlSeconds int) (DeductTimeOutcome, error) {
	res, err := s.rdb.EvalSha(ctx, s.deductTimeSHA, []string{gameKey, movesKey},
		mover, nowMs, san, fen, moveNumber, clockMsAfter, ttlSeconds).Result()
	if err != nil {
		return DeductTimeOutcome{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return DeductTimeOutcome{}, fmt.Errorf("kv: unexpected deductTimeScript reply %v", res)
	}
	status := toString(arr[0])
	switch status {
	case "err":
		return DeductTimeOutcome{Status: toString(arr[1])}, ErrNotInProgress
	case "timeout":
		return DeductTimeOutcome{Status: "timeout", TimedOutMover: toString(arr[1])}, nil
	case "ok":
		out := DeductTimeOutcome{Status: "ok"}
		if len(arr) > 1 && toString(arr[1]) != "untimed" {
			out.NewBalanceMs = toInt64(arr[1])
		}
		return out, nil
	default:
		return DeductTimeOutcome{}, fmt.Errorf("kv: unexpected deductTimeScript status %q", status)
	}
}

// ClaimWinOutcome is the decoded reply of claimWinScript.
type ClaimWinOutcome struct {
	Status string // "ok", "NoTimer", "NotOpponent", "DeadlineNotPassed", "OpponentReconnected"
	Result string // "WHITE_WINS" or "BLACK_WINS" when Status == "ok"
}

// ClaimWin runs claimWinScript.
func (s *Store) ClaimWin(ctx context.Context, gameKey, seatsKey, timerKey string, claimant string, nowMs int64, ttlSeconds int) (ClaimWinOutcome, error) {
	res, err := s.rdb.EvalSha(ctx, s.claimWinSHA, []string{gameKey, seatsKey, timerKey}, claimant, nowMs, ttlSeconds).Result()
	if err != nil {
		return ClaimWinOutcome{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return ClaimWinOutcome{}, fmt.Errorf("kv: unexpected claimWinScript reply %v", res)
	}
	status := toString(arr[0])
	if status == "err" {
		return ClaimWinOutcome{Status: toString(arr[1])}, nil
	}
	return ClaimWinOutcome{Status: "ok", Result: toString(arr[1])}, nil
}

// RateLimitOutcome is the decoded reply of rateLimitScript.
type RateLimitOutcome struct {
	Allowed    bool
	Remaining  int
	RetryAfter int // seconds
}

// RateLimit runs rateLimitScript, a fixed-window counter keyed by counterKey.
func (s *Store) RateLimit(ctx context.Context, counterKey string, windowSeconds, max int) (RateLimitOutcome, error) {
	res, err := s.rdb.EvalSha(ctx, s.rateLimitSHA, []string{counterKey}, windowSeconds, max).Result()
	if err != nil {
		return RateLimitOutcome{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return RateLimitOutcome{}, fmt.Errorf("kv: unexpected rateLimitScript reply %v", res)
	}
	return RateLimitOutcome{
		Allowed:    toString(arr[0]) == "1",
		Remaining:  int(toInt64(arr[1])),
		RetryAfter: int(toInt64(arr[2])),
	}, nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toInt64(v interface{}) int64 {
	s := toString(v)
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}
