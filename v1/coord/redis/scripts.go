package redis

import "github.com/redis/go-redis/v9"

// Result codes shared by the scripts.
const (
	codeOK = iota
	codeNoNode
	codeExists
	codeEphemeralParent
	codeNotEmpty
)

// createScript ARGV: prefix, path, parent, data, owner, sequential.
var createScript = redis.NewScript(`
local prefix, path, parent, data, owner, seq = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6]
if parent ~= "/" then
  local pkey = prefix .. "node:" .. parent
  if redis.call("EXISTS", pkey) == 0 then return {1, path} end
  if redis.call("HGET", pkey, "owner") ~= "" then return {3, path} end
end
local name = path
if seq == "1" then
  local n = redis.call("INCR", prefix .. "seq:" .. parent) - 1
  name = path .. string.format("%010d", n)
end
local key = prefix .. "node:" .. name
if redis.call("EXISTS", key) == 1 then return {2, name} end
redis.call("HSET", key, "data", data, "owner", owner)
redis.call("SADD", prefix .. "kids:" .. parent, string.match(name, "[^/]+$"))
if owner ~= "" then redis.call("SADD", prefix .. "eph:" .. owner, name) end
redis.call("PUBLISH", prefix .. "w:d:" .. name, "created")
redis.call("PUBLISH", prefix .. "w:c:" .. parent, "children")
return {0, name}
`)

// deleteScript ARGV: prefix, path, parent.
var deleteScript = redis.NewScript(`
local prefix, path, parent = ARGV[1], ARGV[2], ARGV[3]
local key = prefix .. "node:" .. path
if redis.call("EXISTS", key) == 0 then return 1 end
if redis.call("SCARD", prefix .. "kids:" .. path) > 0 then return 4 end
local owner = redis.call("HGET", key, "owner")
redis.call("DEL", key, prefix .. "seq:" .. path)
if owner and owner ~= "" then redis.call("SREM", prefix .. "eph:" .. owner, path) end
redis.call("SREM", prefix .. "kids:" .. parent, string.match(path, "[^/]+$"))
redis.call("PUBLISH", prefix .. "w:d:" .. path, "deleted")
redis.call("PUBLISH", prefix .. "w:c:" .. path, "deleted")
redis.call("PUBLISH", prefix .. "w:c:" .. parent, "children")
return 0
`)

// setScript ARGV: prefix, path, data.
var setScript = redis.NewScript(`
local prefix, path = ARGV[1], ARGV[2]
local key = prefix .. "node:" .. path
if redis.call("EXISTS", key) == 0 then return 1 end
redis.call("HSET", key, "data", ARGV[3])
redis.call("PUBLISH", prefix .. "w:d:" .. path, "changed")
return 0
`)

// touchScript ARGV: prefix, session id, new deadline in unix milliseconds.
// It returns 0 when the session is no longer registered.
var touchScript = redis.NewScript(`
local sessions = ARGV[1] .. "sessions"
if not redis.call("ZSCORE", sessions, ARGV[2]) then return 0 end
redis.call("ZADD", sessions, ARGV[3], ARGV[2])
return 1
`)

// reapScript ARGV: prefix, session id, now in unix milliseconds, force. It
// removes the session and its ephemeral nodes unless the deadline moved past
// now in the meantime.
var reapScript = redis.NewScript(`
local prefix, id, now, force = ARGV[1], ARGV[2], tonumber(ARGV[3]), ARGV[4]
local sessions = prefix .. "sessions"
local deadline = redis.call("ZSCORE", sessions, id)
if force ~= "1" and deadline and tonumber(deadline) > now then return -1 end
local paths = redis.call("SMEMBERS", prefix .. "eph:" .. id)
for _, path in ipairs(paths) do
  local key = prefix .. "node:" .. path
  if redis.call("HGET", key, "owner") == id then
    local parent = string.match(path, "^(.*)/[^/]*$")
    if parent == "" then parent = "/" end
    redis.call("DEL", key, prefix .. "seq:" .. path)
    redis.call("SREM", prefix .. "kids:" .. parent, string.match(path, "[^/]+$"))
    redis.call("PUBLISH", prefix .. "w:d:" .. path, "deleted")
    redis.call("PUBLISH", prefix .. "w:c:" .. path, "deleted")
    redis.call("PUBLISH", prefix .. "w:c:" .. parent, "children")
  end
end
redis.call("DEL", prefix .. "eph:" .. id)
redis.call("ZREM", sessions, id)
return #paths
`)
