// Package event defines the status events exchanged between crawl workers,
// the pub/sub transport and streaming clients.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// Type is the discriminant carried in every event's "type" field.
type Type string

// Known event types.
const (
	TypeCrawlJobUpdate Type = "crawl_job_update"
	TypeCrawlerUpdate  Type = "crawler_update"
	TypeHello          Type = "hello"
	TypeError          Type = "error"
)

var (
	// ErrMissingType is returned by Decode when the payload has no string "type".
	ErrMissingType = errors.New("event type missing")
	// ErrInvalidUTF8 is returned by Decode for payloads that are not UTF-8.
	ErrInvalidUTF8 = errors.New("event payload is not valid UTF-8")
)

// Event is a status record. Variants are immutable values.
type Event interface {
	// Type returns the event discriminant.
	Type() Type
	isEvent()
}

// CrawlJob is the job summary embedded in crawl_job_update events.
type CrawlJob struct {
	ID              int64  `json:"id"`
	State           string `json:"state"`
	CrawledURLCount int64  `json:"crawled_url_count"`
}

// CrawlJobUpdate reports the state and progress of a single crawl job.
type CrawlJobUpdate struct {
	CrawlerID      int64
	Job            CrawlJob
	ItemsProcessed int64
	// CurrentURL is empty for pure state transitions. Empty encodes as null
	// and null decodes as empty, so an empty URL is indistinguishable from
	// none on the wire.
	CurrentURL string
	Timestamp  float64
}

// CrawlerUpdate reports the aggregate state of a crawler.
type CrawlerUpdate struct {
	CrawlerID int64
	State     string
	Timestamp float64
}

// Hello is the synthetic first event of every stream.
type Hello struct {
	CrawlerID int64
	Timestamp float64
}

// Error is the terminal event written when a stream cannot continue.
type Error struct {
	Message   string
	Timestamp float64
}

// Generic carries any event the service does not model, including
// crawl_job_update payloads that lack a usable job id.
type Generic struct {
	kind   Type
	fields map[string]json.RawMessage
}

func (CrawlJobUpdate) Type() Type { return TypeCrawlJobUpdate }
func (CrawlerUpdate) Type() Type  { return TypeCrawlerUpdate }
func (Hello) Type() Type          { return TypeHello }
func (Error) Type() Type          { return TypeError }

// Type returns the raw "type" value.
func (g Generic) Type() Type { return g.kind }

func (CrawlJobUpdate) isEvent() {}
func (CrawlerUpdate) isEvent()  {}
func (Hello) isEvent()          {}
func (Error) isEvent()          {}
func (Generic) isEvent()        {}

// NewGeneric builds a Generic event. The "type" field is always set to kind.
func NewGeneric(kind Type, fields map[string]json.RawMessage) (Generic, error) {
	out := make(map[string]json.RawMessage, len(fields)+1)
	maps.Copy(out, fields)
	raw, err := json.Marshal(kind)
	if err != nil {
		return Generic{}, fmt.Errorf("encode type: %w", err)
	}
	out["type"] = raw
	return Generic{kind: kind, fields: out}, nil
}

// Field returns a copy of a raw field value.
func (g Generic) Field(name string) (json.RawMessage, bool) {
	v, ok := g.fields[name]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), v...), true
}

// Timestamp converts t into fractional epoch seconds.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Key identifies events that describe the same logical update.
type Key struct {
	Type  Type
	JobID int64
	// HasJobID is false for every event that is keyed by type alone.
	HasJobID bool
}

// KeyOf computes the coalescing key of evt. crawl_job_update events are
// keyed by (type, job id); everything else by type.
func KeyOf(evt Event) Key {
	switch e := evt.(type) {
	case CrawlJobUpdate:
		return Key{Type: e.Type(), JobID: e.Job.ID, HasJobID: true}
	case CrawlerUpdate, Hello, Error, Generic:
		return Key{Type: e.Type()}
	default:
		return Key{Type: evt.Type()}
	}
}

func (k Key) String() string {
	if k.HasJobID {
		return fmt.Sprintf("%s/%d", k.Type, k.JobID)
	}
	return string(k.Type)
}
