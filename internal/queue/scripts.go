package queue

import "github.com/redis/go-redis/v9"

// All scores and timestamps are passed in from Go as strings so the scripts
// never format large numbers themselves.

// KEYS: job, wait
// ARGV: id, payload, max_attempts, base_delay_ms, backoff, now_ms
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'payload', ARGV[2],
	'attempts', '0',
	'max_attempts', ARGV[3],
	'base_delay_ms', ARGV[4],
	'backoff', ARGV[5],
	'enqueued_at', ARGV[6],
	'state', 'waiting')
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// Promotes due delayed jobs, reclaims expired leases, then leases the oldest
// waiting job. A reclaimed job that already used its final attempt goes to
// the dead-letter set instead of being handed out again.
//
// KEYS: wait, delayed, active, dead
// ARGV: now_ms, lease_deadline_ms, job_key_prefix
// Returns {id or '', reclaimed_count, {dead-lettered ids}, {job hash}}
var reserveScript = redis.NewScript(`
local prefix = ARGV[3]

local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('LPUSH', KEYS[1], id)
	redis.call('HSET', prefix .. id, 'state', 'waiting')
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[3], id)
	redis.call('RPUSH', KEYS[1], id)
	redis.call('HSET', prefix .. id, 'state', 'waiting')
end

local buried = {}
while true do
	local id = redis.call('RPOP', KEYS[1])
	if not id then
		return {'', #expired, buried, {}}
	end
	local jk = prefix .. id
	if redis.call('EXISTS', jk) == 1 then
		local attempts = tonumber(redis.call('HGET', jk, 'attempts'))
		local max = tonumber(redis.call('HGET', jk, 'max_attempts'))
		if attempts >= max then
			redis.call('HSET', jk,
				'state', 'dead',
				'failed_at', ARGV[1],
				'last_error', 'lease expired on final attempt')
			redis.call('ZADD', KEYS[4], ARGV[1], id)
			table.insert(buried, id)
		else
			redis.call('HINCRBY', jk, 'attempts', 1)
			redis.call('HSET', jk, 'state', 'active')
			redis.call('ZADD', KEYS[3], ARGV[2], id)
			return {id, #expired, buried, redis.call('HGETALL', jk)}
		end
	end
end
`)

// KEYS: active, job
// ARGV: id, attempts
var completeScript = redis.NewScript(`
if tonumber(redis.call('HGET', KEYS[2], 'attempts')) ~= tonumber(ARGV[2]) then
	return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS: active, delayed, job
// ARGV: id, attempts, run_at_ms, error, now_ms
var retryScript = redis.NewScript(`
if tonumber(redis.call('HGET', KEYS[3], 'attempts')) ~= tonumber(ARGV[2]) then
	return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[3], 'state', 'delayed', 'last_error', ARGV[4], 'failed_at', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: active, dead, job
// ARGV: id, attempts, error, now_ms
var buryScript = redis.NewScript(`
if tonumber(redis.call('HGET', KEYS[3], 'attempts')) ~= tonumber(ARGV[2]) then
	return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[3], 'state', 'dead', 'last_error', ARGV[3], 'failed_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// KEYS: dead, wait, job
// ARGV: id
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[3], 'attempts', '0', 'state', 'waiting', 'last_error', '')
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)
