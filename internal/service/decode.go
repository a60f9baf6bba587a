package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"replica_dashboard/internal/domain"
)

// decodeMessage turns a data message of a shape into a typed change event.
// Every failure wraps domain.ErrMalformedEvent.
func decodeMessage(entity domain.Entity, msg domain.Message) (*domain.ChangeEvent, error) {
	switch msg.Op {
	case domain.OpInsert, domain.OpUpdate, domain.OpDelete:
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", domain.ErrMalformedEvent, msg.Op)
	}

	r, err := decodeRow(msg.Value)
	if err != nil {
		return nil, err
	}

	ev := &domain.ChangeEvent{Entity: entity, Op: msg.Op}
	del := msg.Op == domain.OpDelete

	switch entity {
	case domain.EntityItems:
		ev.Item, err = r.item(del)
	case domain.EntitySources:
		ev.Source, err = r.source(del)
	case domain.EntityTopics:
		ev.Topic, err = r.topic(del)
	case domain.EntityFeedback:
		ev.Feedback, err = r.feedback(del)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEntity, entity)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

type row map[string]any

func decodeRow(value json.RawMessage) (row, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("%w: missing value", domain.ErrMalformedEvent)
	}
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()

	var r row
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: value is not an object", domain.ErrMalformedEvent)
	}
	return r, nil
}

func (r row) item(del bool) (*domain.ContentItem, error) {
	id, err := r.required("id")
	if err != nil {
		return nil, err
	}
	if del {
		return &domain.ContentItem{ID: id, Topics: []string{}}, nil
	}

	item := &domain.ContentItem{ID: id}
	item.SourceID, _ = r.str("source_id")
	if item.Title, err = r.required("title"); err != nil {
		return nil, err
	}
	if item.URL, err = r.required("url"); err != nil {
		return nil, err
	}

	// items mirror the source medium as source_type
	kind, ok := r.str("kind")
	if !ok {
		kind, ok = r.str("source_type")
	}
	if !ok {
		return nil, fmt.Errorf("%w: item %s has no kind", domain.ErrMalformedEvent, id)
	}
	if item.Kind, err = domain.ParseKind(kind); err != nil {
		return nil, err
	}

	item.Summary = r.optStr("summary")
	item.Body = r.optStr("body")

	if item.PublishedAt, err = r.timestamp("published_at"); err != nil {
		return nil, err
	}
	created, err := r.timestamp("created_at")
	if err != nil {
		return nil, err
	}
	switch {
	case created != nil:
		item.CreatedAt = *created
	case item.PublishedAt != nil:
		item.CreatedAt = *item.PublishedAt
	default:
		return nil, fmt.Errorf("%w: item %s has no timestamp", domain.ErrMalformedEvent, id)
	}
	updated, err := r.timestamp("updated_at")
	if err != nil {
		return nil, err
	}
	item.UpdatedAt = item.CreatedAt
	if updated != nil {
		item.UpdatedAt = *updated
	}

	if item.Topics, err = r.stringSet("topics"); err != nil {
		return nil, err
	}
	if item.RawMetadata, err = r.rawJSON("raw_metadata"); err != nil {
		return nil, err
	}
	return item, nil
}

func (r row) source(del bool) (*domain.Source, error) {
	id, err := r.required("id")
	if err != nil {
		return nil, err
	}
	if del {
		return &domain.Source{ID: id}, nil
	}

	src := &domain.Source{ID: id, Active: true}
	if src.Name, err = r.required("name"); err != nil {
		return nil, err
	}
	typ, err := r.required("type")
	if err != nil {
		return nil, err
	}
	if src.Type, err = domain.ParseSourceType(typ); err != nil {
		return nil, err
	}

	kind, ok := r.str("kind")
	if !ok {
		kind, ok = r.str("medium")
	}
	if !ok {
		return nil, fmt.Errorf("%w: source %s has no kind", domain.ErrMalformedEvent, id)
	}
	if src.Kind, err = domain.ParseKind(kind); err != nil {
		return nil, err
	}

	if active, ok := r.boolean("active"); ok {
		src.Active = active
	}
	src.PollFrequency = r.optStr("poll_frequency")
	if src.PollFrequency == nil {
		src.PollFrequency = r.optStr("frequency")
	}
	if src.Meta, err = r.rawJSON("meta"); err != nil {
		return nil, err
	}
	if src.CreatedAt, err = r.timestamp("created_at"); err != nil {
		return nil, err
	}
	if src.UpdatedAt, err = r.timestamp("updated_at"); err != nil {
		return nil, err
	}
	return src, nil
}

func (r row) topic(del bool) (*domain.ItemTopic, error) {
	id, err := r.required("id")
	if err != nil {
		return nil, err
	}
	if del {
		return &domain.ItemTopic{ID: id}, nil
	}

	t := &domain.ItemTopic{ID: id}
	if t.ItemID, err = r.required("item_id"); err != nil {
		return nil, err
	}
	if t.Topic, err = r.required("topic"); err != nil {
		return nil, err
	}
	created, err := r.timestamp("created_at")
	if err != nil {
		return nil, err
	}
	if created != nil {
		t.CreatedAt = *created
	}
	return t, nil
}

func (r row) feedback(del bool) (*domain.Feedback, error) {
	userID, err := r.required("user_id")
	if err != nil {
		return nil, err
	}
	itemID, err := r.required("item_id")
	if err != nil {
		return nil, err
	}
	f := &domain.Feedback{UserID: userID, ItemID: itemID}
	if del {
		return f, nil
	}

	score, ok := r.integer("score")
	if !ok {
		return nil, fmt.Errorf("%w: feedback %s/%s has no score", domain.ErrMalformedEvent, userID, itemID)
	}
	if err := domain.ValidateScore(score); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	f.Score = score

	recorded, err := r.timestamp("recorded_at")
	if err != nil {
		return nil, err
	}
	if recorded == nil {
		if recorded, err = r.timestamp("created_at"); err != nil {
			return nil, err
		}
	}
	if recorded != nil {
		f.RecordedAt = *recorded
	}
	return f, nil
}

// str returns a column as text. Numeric identifiers are accepted.
func (r row) str(key string) (string, bool) {
	switch v := r[key].(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	}
	return "", false
}

func (r row) required(key string) (string, error) {
	s, ok := r.str(key)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: missing %s", domain.ErrMalformedEvent, key)
	}
	return s, nil
}

func (r row) optStr(key string) *string {
	s, ok := r.str(key)
	if !ok {
		return nil
	}
	return &s
}

func (r row) integer(key string) (int, bool) {
	switch v := r[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

func (r row) boolean(key string) (bool, bool) {
	switch v := r[key].(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(v) {
		case "t", "true", "1":
			return true, true
		case "f", "false", "0":
			return false, true
		}
	case json.Number:
		return v.String() != "0", true
	}
	return false, false
}

// timestamp parses a timestamp column. Text is parsed leniently as UTC; numbers
// are unix seconds, or milliseconds when too large for seconds.
func (r row) timestamp(key string) (*time.Time, error) {
	var t time.Time
	switch v := r[key].(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		parsed, err := dateparse.ParseIn(v, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrMalformedEvent, key, err)
		}
		t = parsed.UTC()
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrMalformedEvent, key, err)
		}
		if n > 1e11 {
			t = time.UnixMilli(n).UTC()
		} else {
			t = time.Unix(n, 0).UTC()
		}
	default:
		return nil, fmt.Errorf("%w: %s is not a timestamp", domain.ErrMalformedEvent, key)
	}
	return &t, nil
}

// stringSet reads a text set column. Accepts a JSON array, JSON array text or
// a Postgres array literal. The result is never nil.
func (r row) stringSet(key string) ([]string, error) {
	out := []string{}
	switch v := r[key].(type) {
	case nil:
		return out, nil
	case []any:
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s holds a non-string element", domain.ErrMalformedEvent, key)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		v = strings.TrimSpace(v)
		switch {
		case v == "":
			return out, nil
		case strings.HasPrefix(v, "["):
			if err := json.Unmarshal([]byte(v), &out); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", domain.ErrMalformedEvent, key, err)
			}
			return out, nil
		case strings.HasPrefix(v, "{") && strings.HasSuffix(v, "}"):
			for _, part := range strings.Split(v[1:len(v)-1], ",") {
				part = strings.Trim(strings.TrimSpace(part), `"`)
				if part != "" {
					out = append(out, part)
				}
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is not a list", domain.ErrMalformedEvent, key)
}

// rawJSON returns a structured column as raw JSON. Columns delivered as JSON
// text are passed through unchanged.
func (r row) rawJSON(key string) (json.RawMessage, error) {
	switch v := r[key].(type) {
	case nil:
		return nil, nil
	case string:
		if json.Valid([]byte(v)) {
			return json.RawMessage(v), nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrMalformedEvent, key, err)
		}
		return b, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrMalformedEvent, key, err)
		}
		return b, nil
	}
}
