package redis

// Error replies raised by the scripts below.
const (
	replyNotFound        = "NOT_FOUND"
	replyAlreadyResolved = "ALREADY_RESOLVED"
)

const (
	// upsertChildScript atomically writes a child quota and its family index
	upsertChildScript = `
local child_key = KEYS[1]       -- kquota:child:{childID}
local family_key = KEYS[2]      -- kquota:family:{parentID}

local child_id = ARGV[1]
local parent_id = ARGV[2]
local name = ARGV[3]
local age = ARGV[4]
local used = ARGV[5]
local limit = ARGV[6]

-- Move the child out of its previous family if the parent changed
local previous_parent = redis.call('HGET', child_key, 'parent_id')
if previous_parent and previous_parent ~= parent_id then
  redis.call('SREM', 'kquota:family:' .. previous_parent, child_id)
end

redis.call('HSET', child_key,
  'child_id', child_id,
  'parent_id', parent_id,
  'name', name,
  'age', age,
  'total_used_minutes', used,
  'limit_minutes', limit
)
redis.call('SADD', family_key, child_id)

return 'OK'
`

	// upsertLimitScript updates the limit of an existing child only
	upsertLimitScript = `
local child_key = KEYS[1]       -- kquota:child:{childID}
local limit = ARGV[1]

if redis.call('EXISTS', child_key) == 0 then
  return redis.error_reply('NOT_FOUND')
end

redis.call('HSET', child_key, 'limit_minutes', limit)

return 'OK'
`

	// insertRequestScript atomically stores a request and its indexes
	insertRequestScript = `
local request_key = KEYS[1]     -- kquota:request:{requestID}
local child_index = KEYS[2]     -- kquota:requests:child:{childID}
local pending_set = KEYS[3]     -- kquota:requests:pending
local child_key = KEYS[4]       -- kquota:child:{childID}

local request_id = ARGV[1]
local child_id = ARGV[2]
local requested_minutes = ARGV[3]
local reason = ARGV[4]
local app_id = ARGV[5]
local app_name = ARGV[6]
local status = ARGV[7]
local created_at = ARGV[8]
local created_score = tonumber(ARGV[9])

if redis.call('EXISTS', child_key) == 0 then
  return redis.error_reply('NOT_FOUND')
end

redis.call('HSET', request_key,
  'id', request_id,
  'child_id', child_id,
  'requested_minutes', requested_minutes,
  'reason', reason,
  'app_id', app_id,
  'app_name', app_name,
  'status', status,
  'created_at', created_at,
  'decision_message', '',
  'decided_at', ''
)

redis.call('ZADD', child_index, created_score, request_id)

if status == 'pending' then
  redis.call('SADD', pending_set, request_id)
end

return 'OK'
`

	// updateRequestStatusScript resolves a pending request exactly once
	updateRequestStatusScript = `
local request_key = KEYS[1]     -- kquota:request:{requestID}
local pending_set = KEYS[2]     -- kquota:requests:pending

local request_id = ARGV[1]
local status = ARGV[2]
local message = ARGV[3]
local decided_at = ARGV[4]

local current = redis.call('HGET', request_key, 'status')
if not current then
  return redis.error_reply('NOT_FOUND')
end

if current ~= 'pending' then
  return redis.error_reply('ALREADY_RESOLVED')
end

redis.call('HSET', request_key,
  'status', status,
  'decision_message', message,
  'decided_at', decided_at
)
redis.call('SREM', pending_set, request_id)

return 'OK'
`
)
