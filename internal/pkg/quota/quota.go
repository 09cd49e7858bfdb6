package quota

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nebulachat/NebulaChat/internal/pkg/cache"
	"github.com/nebulachat/NebulaChat/internal/pkg/database"
)

const (
	countsKey  = "quota:counters:messages"
	windowsKey = "quota:counters:window_start"

	// Window is the rolling period after which a user's counter resets.
	Window = 24 * time.Hour
)

// consumeScript resets the user's counter when the window has elapsed, then
// either increments or reads it. Reset and increment run inside one script so
// two concurrent sends can never both observe a stale window.
var consumeScript = redis.NewScript(`
local ws = redis.call('HGET', KEYS[2], ARGV[1])
local now = tonumber(ARGV[2])
if not ws or now - tonumber(ws) >= tonumber(ARGV[3]) then
  redis.call('HSET', KEYS[2], ARGV[1], now)
  redis.call('HSET', KEYS[1], ARGV[1], 0)
  ws = tostring(now)
end
local count
if ARGV[4] == '1' then
  count = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
else
  count = tonumber(redis.call('HGET', KEYS[1], ARGV[1])) or 0
end
return {count, ws}
`)

// Ledger is the authoritative per-user message counter. It lives in Redis;
// the users table only carries a periodically flushed snapshot for display.
type Ledger struct {
	rdb *redis.Client
	now func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{rdb: cache.GetClient(), now: time.Now}
}

// SetClock overrides the ledger's clock. Tests use it to steer windows.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Consume charges one message against the user's current window and returns
// the counter after the increment together with the window start.
func (l *Ledger) Consume(ctx context.Context, userID uint) (int, time.Time, error) {
	return l.run(ctx, userID, true)
}

// Peek returns the user's counter for the current window without charging it.
// A window that elapsed since the last send is reset here too, so callers
// always see the live value.
func (l *Ledger) Peek(ctx context.Context, userID uint) (int, time.Time, error) {
	return l.run(ctx, userID, false)
}

func (l *Ledger) run(ctx context.Context, userID uint, increment bool) (int, time.Time, error) {
	field := strconv.FormatUint(uint64(userID), 10)
	inc := "0"
	if increment {
		inc = "1"
	}
	res, err := consumeScript.Run(ctx, l.rdb,
		[]string{countsKey, windowsKey},
		field, l.now().Unix(), int64(Window.Seconds()), inc,
	).Slice()
	if err != nil {
		return 0, time.Time{}, err
	}
	count, err := toInt64(res[0])
	if err != nil {
		return 0, time.Time{}, err
	}
	ws, err := toInt64(res[1])
	if err != nil {
		return 0, time.Time{}, err
	}
	return int(count), time.Unix(ws, 0), nil
}

// FlushToDB copies the live counters into users.messages_today and
// users.quota_window_start as a batched update. Unlike a drain this leaves
// the Redis state in place; Redis stays the source of truth.
func (l *Ledger) FlushToDB(ctx context.Context) error {
	counts, err := l.rdb.HGetAll(ctx, countsKey).Result()
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		return nil
	}
	windows, err := l.rdb.HGetAll(ctx, windowsKey).Result()
	if err != nil {
		return err
	}

	type row struct {
		id    uint64
		count int64
		ws    int64
	}
	rows := make([]row, 0, len(counts))
	for k, v := range counts {
		id, perr := strconv.ParseUint(k, 10, 64)
		if perr != nil {
			continue
		}
		count, cerr := strconv.ParseInt(v, 10, 64)
		if cerr != nil {
			continue
		}
		ws, _ := strconv.ParseInt(windows[k], 10, 64)
		rows = append(rows, row{id: id, count: count, ws: ws})
	}
	if len(rows) == 0 {
		return nil
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })

	var builder strings.Builder
	args := make([]interface{}, 0, len(rows)*5)
	builder.WriteString("UPDATE users SET messages_today = CASE id")
	for _, r := range rows {
		builder.WriteString(" WHEN ? THEN ?")
		args = append(args, r.id, r.count)
	}
	builder.WriteString(" END, quota_window_start = CASE id")
	for _, r := range rows {
		builder.WriteString(" WHEN ? THEN FROM_UNIXTIME(?)")
		args = append(args, r.id, r.ws)
	}
	builder.WriteString(" END WHERE id IN (")
	for i, r := range rows {
		if i > 0 {
			builder.WriteString(",")
		}
		builder.WriteString("?")
		args = append(args, r.id)
	}
	builder.WriteString(")")

	return database.GetDB().Exec(builder.String(), args...).Error
}

// Forget drops a user's counter state, e.g. after account deletion.
func (l *Ledger) Forget(ctx context.Context, userID uint) error {
	field := strconv.FormatUint(uint64(userID), 10)
	if err := l.rdb.HDel(ctx, countsKey, field).Err(); err != nil {
		return err
	}
	return l.rdb.HDel(ctx, windowsKey, field).Err()
}

func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, strconv.ErrSyntax
	}
}
