/*
Copyright 2024 Hookrelay Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import "github.com/redis/go-redis/v9"

// All keys live under one hash tag so every script touches a single cluster slot.
// Timestamps are unix milliseconds supplied by the caller's clock.

// KEYS[1] job hash, KEYS[2] ready list, KEYS[3] signal list
// ARGV[1] data, ARGV[2] priority, ARGV[3] max attempts, ARGV[4] now, ARGV[5] id
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'data', ARGV[1],
	'priority', ARGV[2],
	'max_attempts', ARGV[3],
	'attempts', 0,
	'status', 'pending',
	'created_at', ARGV[4],
	'updated_at', ARGV[4],
	'available_at', ARGV[4])
redis.call('LPUSH', KEYS[2], ARGV[5])
redis.call('LPUSH', KEYS[3], '1')
redis.call('LTRIM', KEYS[3], 0, 999)
return 1
`)

// KEYS[1] ready:interactive, KEYS[2] ready:background, KEYS[3] delayed,
// KEYS[4] inflight, KEYS[5] dead, KEYS[6] stats
// ARGV[1] now, ARGV[2] visibility timeout, ARGV[3] job key prefix
// Job hashes are built from ARGV[3] because their ids are only known inside the
// script. The prefix must carry the same hash tag as the declared keys (see
// HashTagged) or Redis Cluster rejects the access.
var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local prefix = ARGV[3]

local function ready(jk)
	if redis.call('HGET', jk, 'priority') == 'interactive' then
		return KEYS[1]
	end
	return KEYS[2]
end

local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[3], id)
	local jk = prefix .. id
	if redis.call('EXISTS', jk) == 1 then
		redis.call('HSET', jk, 'status', 'pending', 'updated_at', now)
		redis.call('LPUSH', ready(jk), id)
	end
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[4], id)
	local jk = prefix .. id
	if redis.call('HGET', jk, 'status') == 'processing' then
		local attempts = redis.call('HINCRBY', jk, 'attempts', 1)
		local maxa = tonumber(redis.call('HGET', jk, 'max_attempts'))
		redis.call('HSET', jk, 'last_error', 'visibility timeout expired', 'updated_at', now)
		if attempts >= maxa then
			redis.call('HSET', jk, 'status', 'dead_lettered')
			redis.call('ZADD', KEYS[5], now, id)
			redis.call('HINCRBY', KEYS[6], 'dead_lettered', 1)
		else
			redis.call('HSET', jk, 'status', 'pending')
			redis.call('LPUSH', ready(jk), id)
		end
	end
end

local id
while true do
	id = redis.call('RPOP', KEYS[1])
	if not id then
		id = redis.call('RPOP', KEYS[2])
	end
	if not id then
		return false
	end
	local st = redis.call('HGET', prefix .. id, 'status')
	if st == 'pending' or st == 'failed' then
		break
	end
end

redis.call('HSET', prefix .. id, 'status', 'processing', 'updated_at', now)
redis.call('ZADD', KEYS[4], now + tonumber(ARGV[2]), id)
return id
`)

// KEYS[1] job hash, KEYS[2] inflight, KEYS[3] stats
// ARGV[1] id, ARGV[2] now, ARGV[3] retention seconds
var completeScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then
	return -1
end
if st == 'completed' then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'completed', 'updated_at', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('HINCRBY', KEYS[3], 'completed', 1)
return 1
`)

// KEYS[1] job hash, KEYS[2] inflight, KEYS[3] delayed, KEYS[4] dead, KEYS[5] stats
// ARGV[1] id, ARGV[2] now, ARGV[3] error, ARGV[4] permanent, ARGV[5] base backoff, ARGV[6] max backoff
var failScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then
	return {'missing', '0', '0'}
end
if st == 'completed' or st == 'dead_lettered' then
	return {'settled', redis.call('HGET', KEYS[1], 'attempts'), '0'}
end
local now = tonumber(ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
local maxa = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
redis.call('HSET', KEYS[1], 'last_error', ARGV[3], 'updated_at', ARGV[2])
if ARGV[4] == '1' or attempts >= maxa then
	redis.call('HSET', KEYS[1], 'status', 'dead_lettered')
	redis.call('ZADD', KEYS[4], now, ARGV[1])
	redis.call('HINCRBY', KEYS[5], 'dead_lettered', 1)
	return {'dead', tostring(attempts), '0'}
end
local delay = math.floor(tonumber(ARGV[5]) * (2 ^ (attempts - 1)))
local cap = tonumber(ARGV[6])
if delay > cap then
	delay = cap
end
local at = now + delay
redis.call('HSET', KEYS[1], 'status', 'failed', 'available_at', string.format('%d', at))
redis.call('ZADD', KEYS[3], at, ARGV[1])
redis.call('HINCRBY', KEYS[5], 'failed', 1)
return {'retry', tostring(attempts), string.format('%d', delay)}
`)

// KEYS[1] job hash, KEYS[2] inflight, KEYS[3] delayed
// ARGV[1] id, ARGV[2] now, ARGV[3] delay
var releaseScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'processing' and st ~= 'pending' then
	return 0
end
local at = tonumber(ARGV[2]) + tonumber(ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'pending', 'updated_at', ARGV[2], 'available_at', string.format('%d', at))
redis.call('ZADD', KEYS[3], at, ARGV[1])
return 1
`)

// KEYS[1] job hash, KEYS[2] dead, KEYS[3] ready:interactive, KEYS[4] ready:background, KEYS[5] signal
// ARGV[1] id, ARGV[2] now
var requeueScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'pending', 'attempts', 0, 'updated_at', ARGV[2], 'available_at', ARGV[2])
if redis.call('HGET', KEYS[1], 'priority') == 'interactive' then
	redis.call('LPUSH', KEYS[3], ARGV[1])
else
	redis.call('LPUSH', KEYS[4], ARGV[1])
end
redis.call('LPUSH', KEYS[5], '1')
redis.call('LTRIM', KEYS[5], 0, 999)
return 1
`)
