package server

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/ceremonia/checkin/internal/logging"
	"github.com/ceremonia/checkin/internal/models"
)

// EventCheckInCreated is the event name of a newly stored check-in.
const EventCheckInCreated = "checkin.created"

// DefaultStreamMaxLen caps the admission stream.
const DefaultStreamMaxLen = 10000

// Publisher announces newly stored check-ins.
type Publisher interface {
	Publish(ctx context.Context, rec models.CheckInRecord)
}

// StreamPublisher appends admissions to a capped Redis stream so other
// stations can learn about them. Failures are logged; they never fail
// the write that triggered them.
type StreamPublisher struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
	logger *logging.Logger
}

// NewStreamPublisher publishes to stream through rdb.
func NewStreamPublisher(rdb redis.Cmdable, stream string, logger *logging.Logger) *StreamPublisher {
	if logger == nil {
		logger = logging.Get()
	}
	return &StreamPublisher{
		rdb:    rdb,
		stream: stream,
		maxLen: DefaultStreamMaxLen,
		logger: logger,
	}
}

// DialRedis connects to the Redis server at url (redis:// or rediss://)
// and checks the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func streamArgs(stream string, maxLen int64, rec models.CheckInRecord) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: []interface{}{
			"event", EventCheckInCreated,
			"id", rec.ID,
			"ceremony_id", rec.CeremonyID,
			"invitee_id", rec.InviteeID,
			"ticket_code", rec.TicketCode,
			"scanned_at", models.FormatTimestamp(rec.ScannedAt),
		},
	}
}

// Publish implements Publisher.
func (p *StreamPublisher) Publish(ctx context.Context, rec models.CheckInRecord) {
	if err := p.rdb.XAdd(ctx, streamArgs(p.stream, p.maxLen, rec)).Err(); err != nil {
		p.logger.Warn("Failed to publish admission", map[string]interface{}{
			"stream":     p.stream,
			"id":         rec.ID,
			"invitee_id": rec.InviteeID,
			"error":      err.Error(),
		})
	}
}
