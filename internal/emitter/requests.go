package emitter

import (
	"strconv"
	"time"

	"github.com/roach88/pulse/internal/event"
)

// buildRequests turns a batch of queued events into network requests.
//
// Every payload is copied and stamped with the sent timestamp before its
// size is measured, so the byte accounting matches what is sent.
//
// GET: one request per event, measured as its encoded query string;
// flagged oversized when that exceeds byteLimit.
//
// POST: events accumulate into a request until adding the next one would
// push the summed payload size past byteLimit. An event that alone exceeds
// byteLimit is sent in a request of its own and flagged oversized; it is
// never dropped or truncated here.
//
// Request order follows queue order.
func buildRequests(events []event.QueuedEvent, method event.Method, byteLimit int, sentAt time.Time) []event.Request {
	stm := strconv.FormatInt(sentAt.UnixMilli(), 10)
	requests := make([]event.Request, 0, len(events))

	if method == event.MethodGet {
		for _, ev := range events {
			p := ev.Payload.Copy()
			p.Add(event.KeySentTimestamp, stm)
			requests = append(requests, event.Request{
				Method:    event.MethodGet,
				Payloads:  []*event.Payload{p},
				EventIDs:  []int64{ev.ID},
				Oversized: len(p.QueryString()) > byteLimit,
			})
		}
		return requests
	}

	var (
		payloads []*event.Payload
		ids      []int64
		total    int
	)
	flush := func() {
		if len(payloads) == 0 {
			return
		}
		requests = append(requests, event.Request{
			Method:   event.MethodPost,
			Payloads: payloads,
			EventIDs: ids,
		})
		payloads, ids, total = nil, nil, 0
	}

	for _, ev := range events {
		p := ev.Payload.Copy()
		p.Add(event.KeySentTimestamp, stm)
		size := p.ByteSize()

		if size > byteLimit {
			flush()
			requests = append(requests, event.Request{
				Method:    event.MethodPost,
				Payloads:  []*event.Payload{p},
				EventIDs:  []int64{ev.ID},
				Oversized: true,
			})
			continue
		}

		if total+size > byteLimit {
			flush()
		}
		payloads = append(payloads, p)
		ids = append(ids, ev.ID)
		total += size
	}
	flush()

	return requests
}
