package event

import (
	"encoding/json"
	"fmt"
	"maps"
	"unicode/utf8"
)

type crawlJobUpdateWire struct {
	Type           Type     `json:"type"`
	CrawlerID      int64    `json:"crawler_id"`
	CrawlJob       CrawlJob `json:"crawl_job"`
	ItemsProcessed int64    `json:"items_processed"`
	CurrentURL     *string  `json:"current_url"`
	Timestamp      float64  `json:"timestamp"`
}

type crawlerUpdateWire struct {
	Type      Type    `json:"type"`
	CrawlerID int64   `json:"crawler_id"`
	State     string  `json:"state"`
	Timestamp float64 `json:"timestamp"`
}

type helloWire struct {
	Type      Type    `json:"type"`
	CrawlerID int64   `json:"crawler_id"`
	Timestamp float64 `json:"timestamp"`
}

type errorWire struct {
	Type      Type    `json:"type"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

// MarshalJSON encodes the crawl_job_update wire shape.
func (e CrawlJobUpdate) MarshalJSON() ([]byte, error) {
	w := crawlJobUpdateWire{
		Type:           TypeCrawlJobUpdate,
		CrawlerID:      e.CrawlerID,
		CrawlJob:       e.Job,
		ItemsProcessed: e.ItemsProcessed,
		Timestamp:      e.Timestamp,
	}
	if e.CurrentURL != "" {
		u := e.CurrentURL
		w.CurrentURL = &u
	}
	return json.Marshal(w)
}

// MarshalJSON encodes the crawler_update wire shape.
func (e CrawlerUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(crawlerUpdateWire{
		Type:      TypeCrawlerUpdate,
		CrawlerID: e.CrawlerID,
		State:     e.State,
		Timestamp: e.Timestamp,
	})
}

// MarshalJSON encodes the hello wire shape.
func (e Hello) MarshalJSON() ([]byte, error) {
	return json.Marshal(helloWire{Type: TypeHello, CrawlerID: e.CrawlerID, Timestamp: e.Timestamp})
}

// MarshalJSON encodes the error wire shape.
func (e Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(errorWire{Type: TypeError, Message: e.Message, Timestamp: e.Timestamp})
}

// MarshalJSON re-emits the raw fields. Keys are sorted by encoding/json.
func (g Generic) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.fields)
}

// Encode serializes evt to its JSON wire form.
func Encode(evt Event) ([]byte, error) {
	if evt == nil {
		return nil, fmt.Errorf("encode event: nil event")
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", evt.Type(), err)
	}
	return b, nil
}

// Decode parses a JSON object into its event variant. Payloads of a known
// type whose fields do not match the expected shape decode as Generic so
// that malformed-but-typed events are still forwarded and keyed by type.
func Decode(payload []byte) (Event, error) {
	if !utf8.Valid(payload) {
		return nil, ErrInvalidUTF8
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	rawType, ok := fields["type"]
	if !ok {
		return nil, ErrMissingType
	}
	var kind Type
	if err := json.Unmarshal(rawType, &kind); err != nil || kind == "" {
		return nil, ErrMissingType
	}

	switch kind {
	case TypeCrawlJobUpdate:
		if evt, ok := decodeCrawlJobUpdate(payload, fields); ok {
			return evt, nil
		}
	case TypeCrawlerUpdate:
		var w crawlerUpdateWire
		if json.Unmarshal(payload, &w) == nil {
			return CrawlerUpdate{CrawlerID: w.CrawlerID, State: w.State, Timestamp: w.Timestamp}, nil
		}
	case TypeHello:
		var w helloWire
		if json.Unmarshal(payload, &w) == nil {
			return Hello{CrawlerID: w.CrawlerID, Timestamp: w.Timestamp}, nil
		}
	case TypeError:
		var w errorWire
		if json.Unmarshal(payload, &w) == nil {
			return Error{Message: w.Message, Timestamp: w.Timestamp}, nil
		}
	}
	return Generic{kind: kind, fields: maps.Clone(fields)}, nil
}

func decodeCrawlJobUpdate(payload []byte, fields map[string]json.RawMessage) (CrawlJobUpdate, bool) {
	var job struct {
		ID *int64 `json:"id"`
	}
	rawJob, ok := fields["crawl_job"]
	if !ok || json.Unmarshal(rawJob, &job) != nil || job.ID == nil {
		return CrawlJobUpdate{}, false
	}
	var w crawlJobUpdateWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return CrawlJobUpdate{}, false
	}
	evt := CrawlJobUpdate{
		CrawlerID:      w.CrawlerID,
		Job:            w.CrawlJob,
		ItemsProcessed: w.ItemsProcessed,
		Timestamp:      w.Timestamp,
	}
	if w.CurrentURL != nil {
		evt.CurrentURL = *w.CurrentURL
	}
	return evt, true
}
