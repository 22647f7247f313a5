package redis

// Every cross-key transition runs as one Lua script so no caller can observe
// a partially applied effect. Keys are derived from the namespace passed as
// ARGV[1]; the per-transaction hash layout is:
//
//	{ns}:TX:{txId}          hash: owner, externalId, txType, status, nodeGroup,
//	                        retries, sleepingSince, wakeTime, wakeSwitch,
//	                        wakeEvent, switches (json), webhookUrl,
//	                        webhookRetries, webhookStatus, completionTime, state
//	{ns}:QUEUE:{g}:admin    list    {ns}:SLEEP      zset (score=wake time)
//	{ns}:QUEUE:{g}:output   list    {ns}:PROCESSING zset (score=claim time)
//	{ns}:QUEUE:{g}:input    list    {ns}:ARCHIVE    zset (score=archive time)
//	{ns}:WEBHOOK            zset    {ns}:EXCEPTION  zset + {ns}:EXCEPTION:REASON hash
//	{ns}:EXT:{owner}:{eid}  string with PX uniqueness window
//	{ns}:PIPELINE:{name}    hash: nodeGroup
//	{ns}:LEASE:*            self-expiring lease keys

// startStep: ARGV = ns, mode, txId, owner, externalId, pipeline, nodeGroup,
// state, event, wakeSwitch, delayMs, nowMs, extWindowMs, webhookUrl, txType.
// Returns {queue, delayMs, slept}.
const startStepScript = `
local ns = ARGV[1]
local mode = ARGV[2]
local txId = ARGV[3]
local txKey = ns .. ':TX:' .. txId

local group = ARGV[7]
if ARGV[6] ~= '' then
	group = redis.call('HGET', ns .. ':PIPELINE:' .. ARGV[6], 'nodeGroup')
	if not group then
		return redis.error_reply('unknown pipeline ' .. ARGV[6])
	end
end
if group == '' or not group then
	group = redis.call('HGET', txKey, 'nodeGroup')
	if not group then
		return redis.error_reply('transaction has no node group')
	end
end
local inputQueue = ns .. ':QUEUE:' .. group .. ':input'

if mode == 'START_TRANSACTION' then
	if ARGV[5] ~= '' then
		local extKey = ns .. ':EXT:' .. ARGV[4] .. ':' .. ARGV[5]
		if redis.call('EXISTS', extKey) == 1 then
			return redis.error_reply('duplicate externalId')
		end
		redis.call('SET', extKey, txId, 'PX', tonumber(ARGV[13]))
	end
	redis.call('HSET', txKey, 'owner', ARGV[4], 'externalId', ARGV[5], 'status', 'QUEUED', 'nodeGroup', group, 'state', ARGV[8], 'webhookUrl', ARGV[14], 'txType', ARGV[15])
	redis.call('RPUSH', inputQueue, ARGV[9])
	return {group, 0, 0}
end

if mode == 'START_PIPELINE' then
	-- The transaction migrates to the pipeline's owner group for the
	-- duration of the pipeline; wake and callback routing follow it.
	redis.call('HSET', txKey, 'status', 'QUEUED', 'nodeGroup', group, 'state', ARGV[8])
	redis.call('ZREM', ns .. ':PROCESSING', txId)
	redis.call('RPUSH', inputQueue, ARGV[9])
	return {group, 0, 0}
end

-- RETRY_STEP
redis.call('HINCRBY', txKey, 'retries', 1)
if ARGV[8] ~= '' then
	redis.call('HSET', txKey, 'state', ARGV[8])
end
local delay = tonumber(ARGV[11])
local now = tonumber(ARGV[12])
local wakeSwitch = ARGV[10]

if wakeSwitch ~= '' then
	-- An unacknowledged update on the awaited switch means the signal
	-- already fired: queue immediately instead of sleeping.
	local swJson = redis.call('HGET', txKey, 'switches')
	if swJson then
		local switches = cjson.decode(swJson)
		for _, sw in ipairs(switches) do
			if sw.name == wakeSwitch and sw.acknowledged == false then
				redis.call('HSET', txKey, 'status', 'QUEUED')
				redis.call('ZREM', ns .. ':PROCESSING', txId)
				redis.call('RPUSH', inputQueue, ARGV[9])
				return {group, 0, 0}
			end
		end
	end
end

if wakeSwitch ~= '' or delay > 0 then
	if delay > 0 then
		redis.call('ZADD', ns .. ':SLEEP', now + delay, txId)
		redis.call('HSET', txKey, 'wakeTime', now + delay)
	else
		redis.call('ZADD', ns .. ':SLEEP', '+inf', txId)
	end
	redis.call('HSET', txKey, 'status', 'SLEEPING', 'wakeSwitch', wakeSwitch, 'wakeEvent', ARGV[9], 'sleepingSince', now)
	redis.call('ZREM', ns .. ':PROCESSING', txId)
	return {group, delay, 1}
end

redis.call('HSET', txKey, 'status', 'QUEUED')
redis.call('ZREM', ns .. ':PROCESSING', txId)
redis.call('RPUSH', inputQueue, ARGV[9])
return {group, 0, 0}
`

// dequeue: ARGV = ns, nodeGroup, maxItems, nowMs.
// Returns a flat list of event, state pairs.
const dequeueScript = `
local ns = ARGV[1]
local group = ARGV[2]
local max = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local result = {}
local queues = {':admin', ':output', ':input'}
for _, suffix in ipairs(queues) do
	while (#result / 2) < max do
		local ev = redis.call('LPOP', ns .. ':QUEUE:' .. group .. suffix)
		if not ev then
			break
		end
		local decoded = cjson.decode(ev)
		local txId = decoded.txId
		local txKey = ns .. ':TX:' .. txId
		if decoded.kind == 'TX_COMPLETED' or decoded.kind == 'TX_CHANGED' then
			-- Notification events carry no claim.
			table.insert(result, ev)
			table.insert(result, redis.call('HGET', txKey, 'state') or '')
		elseif redis.call('ZSCORE', ns .. ':PROCESSING', txId) then
			redis.call('ZADD', ns .. ':EXCEPTION', now, txId)
			redis.call('HSET', ns .. ':EXCEPTION:REASON', txId, 'dequeued while already processing')
		else
			redis.call('ZADD', ns .. ':PROCESSING', now, txId)
			local state = redis.call('HGET', txKey, 'state')
			table.insert(result, ev)
			table.insert(result, state or '')
		end
	end
end
return result
`

// emitCallback: ARGV = ns, txId, state, event.
// Releases the processing claim and hands the callback event to the owning
// node group's output queue.
const emitCallbackScript = `
local ns = ARGV[1]
local txId = ARGV[2]
local txKey = ns .. ':TX:' .. txId
local group = redis.call('HGET', txKey, 'nodeGroup')
if not group then
	return redis.error_reply('transaction not found')
end
if ARGV[3] ~= '' then
	redis.call('HSET', txKey, 'state', ARGV[3])
end
redis.call('ZREM', ns .. ':PROCESSING', txId)
redis.call('RPUSH', ns .. ':QUEUE:' .. group .. ':output', ARGV[4])
return 1
`

// setSwitch: ARGV = ns, txId, name, value, nowMs, changedEvent.
// Returns {changed, woke}. A change that wakes nothing pushes changedEvent
// onto the owner group's output queue as a claim-free notification.
const setSwitchScript = `
local ns = ARGV[1]
local txId = ARGV[2]
local name = ARGV[3]
local value = ARGV[4]
local txKey = ns .. ':TX:' .. txId
if redis.call('EXISTS', txKey) == 0 then
	return redis.error_reply('transaction not found')
end
local switches = {}
local swJson = redis.call('HGET', txKey, 'switches')
if swJson then
	switches = cjson.decode(swJson)
end
local changed = false
local found = false
for _, sw in ipairs(switches) do
	if sw.name == name then
		found = true
		if sw.value ~= value then
			sw.value = value
			sw.acknowledged = false
			changed = true
		end
	end
end
if not found then
	table.insert(switches, {name = name, value = value, acknowledged = false})
	changed = true
end
redis.call('HSET', txKey, 'switches', cjson.encode(switches))

local woke = 0
if changed and redis.call('HGET', txKey, 'wakeSwitch') == name and redis.call('HGET', txKey, 'status') == 'SLEEPING' then
	local group = redis.call('HGET', txKey, 'nodeGroup')
	local ev = redis.call('HGET', txKey, 'wakeEvent')
	redis.call('HSET', txKey, 'status', 'QUEUED')
	redis.call('HDEL', txKey, 'wakeSwitch', 'wakeTime', 'sleepingSince', 'wakeEvent')
	redis.call('ZREM', ns .. ':SLEEP', txId)
	if ev then
		redis.call('RPUSH', ns .. ':QUEUE:' .. group .. ':input', ev)
	end
	woke = 1
end
local c = 0
if changed then c = 1 end
if changed and woke == 0 then
	local group = redis.call('HGET', txKey, 'nodeGroup')
	if group then
		redis.call('RPUSH', ns .. ':QUEUE:' .. group .. ':output', ARGV[6])
	end
end
return {c, woke}
`

// getSwitch: ARGV = ns, txId, name, acknowledge.
// Returns {value, wasAcknowledged} or nil when the switch is absent. The
// acknowledge flag flips the unacknowledged marker in the same operation,
// which is what resolves the read-write race against setSwitch.
const getSwitchScript = `
local ns = ARGV[1]
local txKey = ns .. ':TX:' .. ARGV[2]
if redis.call('EXISTS', txKey) == 0 then
	return redis.error_reply('transaction not found')
end
local swJson = redis.call('HGET', txKey, 'switches')
if not swJson then
	return false
end
local switches = cjson.decode(swJson)
for _, sw in ipairs(switches) do
	if sw.name == ARGV[3] then
		local was = 1
		if sw.acknowledged == false then
			was = 0
		end
		if ARGV[4] == '1' and sw.acknowledged == false then
			sw.acknowledged = true
			redis.call('HSET', txKey, 'switches', cjson.encode(switches))
		end
		return {sw.value, was}
	end
end
return false
`

// completeTransaction: ARGV = ns, txId, status, state, nowMs, archiveDelayMs,
// completionEvent. Rejects a transaction that is not currently claimed.
const completeTransactionScript = `
local ns = ARGV[1]
local txId = ARGV[2]
local txKey = ns .. ':TX:' .. txId
if not redis.call('ZSCORE', ns .. ':PROCESSING', txId) then
	return redis.error_reply('transaction not in processing state')
end
local now = tonumber(ARGV[5])
redis.call('HSET', txKey, 'status', ARGV[3], 'state', ARGV[4], 'completionTime', now)
redis.call('HDEL', txKey, 'retries', 'wakeTime', 'wakeSwitch', 'wakeEvent', 'sleepingSince')
redis.call('ZREM', ns .. ':PROCESSING', txId)
redis.call('ZREM', ns .. ':SLEEP', txId)
local url = redis.call('HGET', txKey, 'webhookUrl')
if url and url ~= '' then
	redis.call('HSET', txKey, 'webhookRetries', 0)
	redis.call('ZADD', ns .. ':WEBHOOK', now, txId)
end
redis.call('ZADD', ns .. ':ARCHIVE', now + tonumber(ARGV[6]), txId)
local group = redis.call('HGET', txKey, 'nodeGroup')
if group then
	redis.call('RPUSH', ns .. ':QUEUE:' .. group .. ':output', ARGV[7])
end
redis.call('PUBLISH', ns .. ':completions', txId)
return 1
`

// wakeupProcessing: ARGV = ns, nodeId, leaseTtlMs, nowMs.
// Returns -1 when another node holds the lease, otherwise the number of
// sleepers promoted back to their input queues.
const wakeupProcessingScript = `
local ns = ARGV[1]
if not redis.call('SET', ns .. ':LEASE:WAKEUP', ARGV[2], 'NX', 'PX', tonumber(ARGV[3])) then
	return -1
end
local now = tonumber(ARGV[4])
local due = redis.call('ZRANGEBYSCORE', ns .. ':SLEEP', '-inf', now)
local count = 0
for _, txId in ipairs(due) do
	local txKey = ns .. ':TX:' .. txId
	local status = redis.call('HGET', txKey, 'status')
	if status ~= 'SLEEPING' then
		redis.call('ZADD', ns .. ':EXCEPTION', now, txId)
		redis.call('HSET', ns .. ':EXCEPTION:REASON', txId, 'in sleep set but status is ' .. tostring(status))
		redis.call('ZREM', ns .. ':SLEEP', txId)
	else
		local group = redis.call('HGET', txKey, 'nodeGroup')
		local ev = redis.call('HGET', txKey, 'wakeEvent')
		redis.call('HSET', txKey, 'status', 'QUEUED')
		redis.call('HDEL', txKey, 'wakeSwitch', 'wakeTime', 'sleepingSince', 'wakeEvent')
		redis.call('ZREM', ns .. ':SLEEP', txId)
		if group and ev then
			redis.call('RPUSH', ns .. ':QUEUE:' .. group .. ':input', ev)
			count = count + 1
		end
	end
end
return count
`

// transactionsToArchive: ARGV = ns, nodeId, batchSize, nowMs, leaseTtlMs,
// cooldownMs, doneId... Deletes the authoritative copy of reported ids, then
// hands out the next batch under the two-tier lease: a short ownership lease
// plus a longer cooldown that keeps the batch with the same node.
const transactionsToArchiveScript = `
local ns = ARGV[1]
local nodeId = ARGV[2]
for i = 7, #ARGV do
	local txId = ARGV[i]
	redis.call('DEL', ns .. ':TX:' .. txId)
	redis.call('ZREM', ns .. ':ARCHIVE', txId)
end
local batch = tonumber(ARGV[3])
if batch <= 0 then
	return {}
end
local leaseKey = ns .. ':LEASE:ARCHIVE'
local cooldownKey = ns .. ':LEASE:ARCHIVE:COOLDOWN'
local owner = redis.call('GET', leaseKey)
if owner and owner ~= nodeId then
	return {}
end
local cooldown = redis.call('GET', cooldownKey)
if cooldown and cooldown ~= nodeId then
	return {}
end
redis.call('SET', leaseKey, nodeId, 'PX', tonumber(ARGV[5]))
redis.call('SET', cooldownKey, nodeId, 'PX', tonumber(ARGV[6]))
local now = tonumber(ARGV[4])
local ids = redis.call('ZRANGEBYSCORE', ns .. ':ARCHIVE', '-inf', now, 'LIMIT', 0, batch)
local result = {}
for _, txId in ipairs(ids) do
	local state = redis.call('HGET', ns .. ':TX:' .. txId, 'state')
	table.insert(result, txId)
	table.insert(result, state or '')
end
return result
`

// webhooksToDeliver: ARGV = ns, nodeId, batchSize, nowMs, leaseMs,
// backoffBaseMs, maxRetries, then txId, result pairs. Applies last round's
// delivery results, then leases out the next pending batch by pushing each
// assigned id's score past the lease window.
const webhooksToDeliverScript = `
local ns = ARGV[1]
local now = tonumber(ARGV[4])
local base = tonumber(ARGV[6])
local maxRetries = tonumber(ARGV[7])
for i = 8, #ARGV, 2 do
	local txId = ARGV[i]
	local result = ARGV[i + 1]
	local txKey = ns .. ':TX:' .. txId
	if result == 'SUCCESS' then
		redis.call('ZREM', ns .. ':WEBHOOK', txId)
		redis.call('HSET', txKey, 'webhookStatus', 'DELIVERED')
	elseif result == 'ABORTED' then
		redis.call('ZREM', ns .. ':WEBHOOK', txId)
		redis.call('HSET', txKey, 'webhookStatus', 'ABORTED')
	else
		local retries = redis.call('HINCRBY', txKey, 'webhookRetries', 1)
		if retries >= maxRetries then
			redis.call('ZREM', ns .. ':WEBHOOK', txId)
			redis.call('HSET', txKey, 'webhookStatus', 'ABORTED')
		else
			redis.call('ZADD', ns .. ':WEBHOOK', now + base * (2 ^ retries), txId)
		end
	end
end
local batch = tonumber(ARGV[3])
if batch <= 0 then
	return {}
end
local ids = redis.call('ZRANGEBYSCORE', ns .. ':WEBHOOK', '-inf', now, 'LIMIT', 0, batch)
local result = {}
for _, txId in ipairs(ids) do
	redis.call('ZADD', ns .. ':WEBHOOK', now + tonumber(ARGV[5]), txId)
	local txKey = ns .. ':TX:' .. txId
	table.insert(result, txId)
	table.insert(result, redis.call('HGET', txKey, 'webhookUrl') or '')
	table.insert(result, redis.call('HGET', txKey, 'webhookRetries') or '0')
	table.insert(result, redis.call('HGET', txKey, 'state') or '')
end
return result
`
