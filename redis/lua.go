package redis

const (
	luaAppendEvents = `
		-- Atomically append events and index them by tag
		-- KEYS[1] = all events sorted set (lex ordered by sortable id)
		-- KEYS[2] = event data hash (sortable id -> JSON)
		-- KEYS[3] = event id set
		-- KEYS[4] = feed stream
		-- ARGV[1] = key prefix
		-- ARGV[2] = feed enabled ("1" or "0")
		-- ARGV[3] = event count
		-- ARGV[4..N] = per event: sortable id, id, JSON, tag count, tags...
		-- Returns: {0, duplicateId} or {1, tag, version, tag, version, ...}

		local prefix = ARGV[1]
		local feed = ARGV[2] == "1"
		local count = tonumber(ARGV[3])
		local idx = 4
		local events = {}

		for i = 1, count do
			local ev = {
				sid = ARGV[idx],
				id = ARGV[idx + 1],
				data = ARGV[idx + 2],
				tags = {},
			}
			local tagCount = tonumber(ARGV[idx + 3])
			idx = idx + 4
			for j = 1, tagCount do
				table.insert(ev.tags, ARGV[idx])
				idx = idx + 1
			end
			if redis.call('HEXISTS', KEYS[2], ev.sid) == 1 or
				redis.call('SISMEMBER', KEYS[3], ev.id) == 1 then
				return {0, ev.id}
			end
			table.insert(events, ev)
		end

		local order = {}
		local seen = {}
		for _, ev in ipairs(events) do
			redis.call('ZADD', KEYS[1], 0, ev.sid)
			redis.call('HSET', KEYS[2], ev.sid, ev.data)
			redis.call('SADD', KEYS[3], ev.id)
			for _, tag in ipairs(ev.tags) do
				redis.call('ZADD', prefix .. ':tag:' .. tag, 0, ev.sid)
				if not seen[tag] then
					seen[tag] = true
					table.insert(order, tag)
				end
			end
			if feed then
				redis.call('XADD', KEYS[4], '*', 'event', ev.data)
			end
		end

		local res = {1}
		for _, tag in ipairs(order) do
			table.insert(res, tag)
			table.insert(res, redis.call('ZCARD', prefix .. ':tag:' .. tag))
		end
		return res
		`

	luaGetEvents = `
		-- Get event data for sortable ids after a position
		-- KEYS[1] = sorted set of sortable ids
		-- KEYS[2] = event data hash
		-- ARGV[1] = lower bound ("-" or "(" .. since)
		-- ARGV[2] = max count (0 = unlimited)

		local ids
		local limit = tonumber(ARGV[2])
		if limit > 0 then
			ids = redis.call('ZRANGEBYLEX', KEYS[1], ARGV[1], '+', 'LIMIT', 0, limit)
		else
			ids = redis.call('ZRANGEBYLEX', KEYS[1], ARGV[1], '+')
		end

		local res = {}
		local chunkSize = 128
		local startIdx = 1
		while startIdx <= #ids do
			local endIdx = math.min(startIdx + chunkSize - 1, #ids)
			local chunk = {}
			for i = startIdx, endIdx do
				table.insert(chunk, ids[i])
			end
			local data = redis.call('HMGET', KEYS[2], unpack(chunk))
			for _, d in ipairs(data) do
				table.insert(res, d)
			end
			startIdx = endIdx + 1
		end
		return res
		`

	luaPutTagState = `
		-- Save a tag state unless a newer one for the same projector version
		-- is already stored
		-- KEYS[1] = tag state hash
		-- ARGV[1] = tag state data
		-- ARGV[2] = tag state version
		-- ARGV[3] = projector version
		-- Returns: 1 if saved, 0 if skipped

		local newVersion = tonumber(ARGV[2])
		local stored = redis.call('HMGET', KEYS[1], 'version', 'projector')

		if stored[1] and stored[2] == ARGV[3] and
			newVersion <= tonumber(stored[1]) then
			return 0
		end

		redis.call('HSET', KEYS[1],
			'data', ARGV[1], 'version', newVersion, 'projector', ARGV[3])
		return 1
		`
)
