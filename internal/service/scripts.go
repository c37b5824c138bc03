package service

import "github.com/redis/go-redis/v9"

// Server-side scripts for vote state mutation. Every operation that touches a
// per-option voter set runs as a single script invocation, so the multivote
// invariant can never be broken by interleaved check-then-act round trips
// from concurrent casts (retries, double-clicks, multiple tabs).
//
// Script result codes: 1 state changed, 0 no-op, -1 vote inactive,
// -2 unknown option, -3 option killed, -4 write-ins disabled.

// castScript adds the voter to an option's set. When multivote is off it also
// removes the voter from whichever other option they held, returning that
// option's id so an unvote notice can be emitted.
var castScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return {-1, ''} end
local vote = cjson.decode(raw)
local entry = vote.entries[ARGV[1]]
if not entry then return {-2, ''} end
if entry.killed then return {-3, ''} end
local voters = entry.voters
if type(voters) ~= 'table' then voters = {} end
if voters[ARGV[2]] then return {0, ''} end
local removed = ''
if not vote.multivote then
  for id, e in pairs(vote.entries) do
    if id ~= ARGV[1] and type(e.voters) == 'table' and e.voters[ARGV[2]] then
      e.voters[ARGV[2]] = nil
      removed = id
    end
  end
end
voters[ARGV[2]] = true
entry.voters = voters
redis.call('SET', KEYS[1], cjson.encode(vote))
return {1, removed}
`)

// retractScript removes the voter from an option's set; absent voters are a
// no-op, not an error.
var retractScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return -1 end
local vote = cjson.decode(raw)
local entry = vote.entries[ARGV[1]]
if not entry then return -2 end
if type(entry.voters) ~= 'table' or not entry.voters[ARGV[2]] then return 0 end
entry.voters[ARGV[2]] = nil
redis.call('SET', KEYS[1], cjson.encode(vote))
return 1
`)

// registerEntryScript adds a freshly inserted write-in option to the cache
// vote state. Rejections here trigger deletion of the durable row.
var registerEntryScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return -1 end
local vote = cjson.decode(raw)
if not vote.writein_allowed then return -4 end
if type(vote.entries) ~= 'table' then vote.entries = {} end
if vote.entries[ARGV[1]] then return 0 end
vote.entries[ARGV[1]] = { text = ARGV[2], killed = false, voters = {} }
redis.call('SET', KEYS[1], cjson.encode(vote))
return 1
`)

// killEntryScript flips an option's killed flag and reason.
var killEntryScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return -1 end
local vote = cjson.decode(raw)
local entry = vote.entries[ARGV[1]]
if not entry then return -2 end
entry.killed = ARGV[2] == '1'
if ARGV[3] ~= '' then entry.killed_text = ARGV[3] else entry.killed_text = nil end
redis.call('SET', KEYS[1], cjson.encode(vote))
return 1
`)

// configScript merges a JSON patch of config fields into the vote state.
var configScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return -1 end
local vote = cjson.decode(raw)
local patch = cjson.decode(ARGV[1])
for k, v in pairs(patch) do
  vote[k] = v
end
redis.call('SET', KEYS[1], cjson.encode(vote))
return 1
`)
