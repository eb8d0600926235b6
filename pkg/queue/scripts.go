package queue

import (
	goredis "github.com/redis/go-redis/v9"
)

// Every job transition runs as one script so concurrent workers and API calls cannot
// interleave a read and a write on the same job. Times are unix milliseconds from the caller.

const luaHelpers = `
local function release_idempotency(jk, id, prefix)
	local user = redis.call("hget", jk, "user_id")
	local key = redis.call("hget", jk, "idempotency_key")
	if user and key and key ~= "" then
		local ik = prefix .. "idem:" .. user .. ":" .. key
		if redis.call("get", ik) == id then
			redis.call("del", ik)
		end
	end
end

local function read_backoff(first)
	local backoff = {}
	for i = first, #ARGV do
		table.insert(backoff, tonumber(ARGV[i]))
	end
	return backoff
end

local function fail_job(jk, id, reason, now, ttl, max_attempts, backoff, retry_key, dlq_key, prefix)
	local history = cjson.decode(redis.call("hget", jk, "errors") or "[]")
	table.insert(history, reason)
	redis.call("hset", jk, "error", reason, "errors", cjson.encode(history), "updated_at", now)

	if redis.call("hget", jk, "cancel_requested") == "1" then
		redis.call("hset", jk, "status", "cancelled")
		release_idempotency(jk, id, prefix)
		redis.call("pexpire", jk, ttl)
		return {"cancelled", ""}
	end

	local attempts = tonumber(redis.call("hget", jk, "attempts") or "0")
	if attempts < max_attempts then
		local idx = attempts
		if idx > #backoff then idx = #backoff end
		if idx < 1 then idx = 1 end
		local ready_at = now + backoff[idx]
		redis.call("hset", jk, "status", "queued", "next_attempt_at", ready_at)
		redis.call("zadd", retry_key, ready_at, id)
		redis.call("pexpire", jk, ttl)
		return {"retrying", tostring(ready_at)}
	end

	redis.call("hset", jk, "status", "failed", "next_attempt_at", "")
	release_idempotency(jk, id, prefix)
	local entry = redis.call("xadd", dlq_key, "*", unpack(redis.call("hgetall", jk)))
	redis.call("pexpire", jk, ttl)
	return {"dead_lettered", entry}
end
`

// KEYS: idempotency key, job key, ready list
// ARGV: id, type, user_id, payload, idempotency_key, now, ttl, prefix
var enqueueScript = goredis.NewScript(`
	local now = tonumber(ARGV[6])
	local ttl = tonumber(ARGV[7])

	if ARGV[5] ~= "" then
		local existing = redis.call("get", KEYS[1])
		if existing then
			local status = redis.call("hget", ARGV[8] .. "job:" .. existing, "status")
			if status == "queued" or status == "processing" or status == "completed" then
				return {0, existing}
			end
		end
	end

	redis.call("hset", KEYS[2],
		"id", ARGV[1],
		"type", ARGV[2],
		"user_id", ARGV[3],
		"payload", ARGV[4],
		"idempotency_key", ARGV[5],
		"status", "queued",
		"attempts", 0,
		"created_at", now,
		"updated_at", now,
		"error", "",
		"errors", "[]",
		"result_ref", "",
		"cancel_requested", "0",
		"next_attempt_at", "")
	redis.call("pexpire", KEYS[2], ttl)

	if ARGV[5] ~= "" then
		redis.call("set", KEYS[1], ARGV[1], "PX", ttl)
	end

	redis.call("rpush", KEYS[3], ARGV[1])
	return {1, ARGV[1]}
`)

// KEYS: ready list, processing set
// ARGV: now, lease, ttl, prefix
var dequeueScript = goredis.NewScript(`
	local now = tonumber(ARGV[1])
	local lease = tonumber(ARGV[2])
	local ttl = tonumber(ARGV[3])

	for _ = 1, 100 do
		local id = redis.call("lpop", KEYS[1])
		if not id then
			return {}
		end

		local jk = ARGV[4] .. "job:" .. id
		if redis.call("hget", jk, "status") == "queued" then
			redis.call("hincrby", jk, "attempts", 1)
			redis.call("hset", jk, "status", "processing", "updated_at", now, "next_attempt_at", "")
			redis.call("pexpire", jk, ttl)
			redis.call("zadd", KEYS[2], now + lease, id)
			return redis.call("hgetall", jk)
		end
	end
	return {}
`)

// KEYS: job key, processing set, retry set, dlq stream
// ARGV: id, attempt, success, error, result_ref, now, ttl, max_attempts, prefix, backoff...
var completeScript = goredis.NewScript(luaHelpers + `
	local jk = KEYS[1]
	local id = ARGV[1]
	local now = tonumber(ARGV[6])
	local ttl = tonumber(ARGV[7])

	local status = redis.call("hget", jk, "status")
	if not status then
		return {"missing", ""}
	end
	if status ~= "processing" or redis.call("hget", jk, "attempts") ~= ARGV[2] then
		return {"stale", status}
	end

	redis.call("zrem", KEYS[2], id)

	if ARGV[3] == "1" then
		redis.call("hset", jk, "status", "completed", "result_ref", ARGV[5], "error", "", "updated_at", now)
		redis.call("pexpire", jk, ttl)
		return {"completed", ""}
	end

	return fail_job(jk, id, ARGV[4], now, ttl, tonumber(ARGV[8]), read_backoff(10), KEYS[3], KEYS[4], ARGV[9])
`)

// KEYS: job key, ready list, retry set
// ARGV: id, user_id, now, ttl, prefix
var cancelScript = goredis.NewScript(luaHelpers + `
	local jk = KEYS[1]
	local id = ARGV[1]

	local status = redis.call("hget", jk, "status")
	if not status or redis.call("hget", jk, "user_id") ~= ARGV[2] then
		return {"missing", ""}
	end

	if status == "queued" then
		redis.call("lrem", KEYS[2], 0, id)
		redis.call("zrem", KEYS[3], id)
		redis.call("hset", jk, "status", "cancelled", "next_attempt_at", "", "updated_at", ARGV[3])
		release_idempotency(jk, id, ARGV[5])
		redis.call("pexpire", jk, tonumber(ARGV[4]))
		return {"cancelled", status}
	end

	if status == "processing" then
		redis.call("hset", jk, "cancel_requested", "1", "updated_at", ARGV[3])
		return {"cancel_requested", status}
	end

	return {"unchanged", status}
`)

// KEYS: retry set, ready list
// ARGV: now, limit, prefix
var promoteScript = goredis.NewScript(`
	local ids = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
	local promoted = 0
	for _, id in ipairs(ids) do
		redis.call("zrem", KEYS[1], id)
		local jk = ARGV[3] .. "job:" .. id
		if redis.call("hget", jk, "status") == "queued" then
			redis.call("hset", jk, "next_attempt_at", "")
			redis.call("rpush", KEYS[2], id)
			promoted = promoted + 1
		end
	end
	return promoted
`)

// KEYS: processing set, retry set, dlq stream
// ARGV: now, limit, ttl, max_attempts, prefix, backoff...
var reclaimScript = goredis.NewScript(luaHelpers + `
	local now = tonumber(ARGV[1])
	local ids = redis.call("zrangebyscore", KEYS[1], "-inf", now, "LIMIT", 0, tonumber(ARGV[2]))
	local backoff = read_backoff(6)
	local out = {}
	for _, id in ipairs(ids) do
		redis.call("zrem", KEYS[1], id)
		local jk = ARGV[5] .. "job:" .. id
		if redis.call("hget", jk, "status") == "processing" then
			local res = fail_job(jk, id, "lease expired", now, tonumber(ARGV[3]), tonumber(ARGV[4]), backoff, KEYS[2], KEYS[3], ARGV[5])
			table.insert(out, id)
			table.insert(out, res[1])
			table.insert(out, redis.call("hget", jk, "type") or "")
		end
	end
	return out
`)
