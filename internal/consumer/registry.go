package consumer

import (
	"strconv"
	"strings"
	"sync"

	"github.com/apitally/apitally-go/internal/counter"
	"github.com/apitally/apitally-go/internal/model"
)

const (
	maxIdentifierLength = 128
	maxNameLength       = 64
)

// New builds a Consumer with trimmed and length-capped fields.
func New(identifier, name, group string) model.Consumer {
	return model.Consumer{
		Identifier: clip(identifier, maxIdentifierLength),
		Name:       clip(name, maxNameLength),
		Group:      clip(group, maxNameLength),
	}
}

func clip(value string, max int) string {
	return counter.TruncateRunes(strings.TrimSpace(value), max)
}

// Normalize converts a caller-supplied consumer value into a Consumer.
// Accepted shapes are model.Consumer, *model.Consumer, string and integers;
// anything else, or a blank identifier, yields false.
func Normalize(raw any) (model.Consumer, bool) {
	var c model.Consumer
	switch v := raw.(type) {
	case model.Consumer:
		c = New(v.Identifier, v.Name, v.Group)
	case *model.Consumer:
		if v == nil {
			return model.Consumer{}, false
		}
		c = New(v.Identifier, v.Name, v.Group)
	case string:
		c = New(v, "", "")
	case int:
		c = New(strconv.Itoa(v), "", "")
	case int32:
		c = New(strconv.FormatInt(int64(v), 10), "", "")
	case int64:
		c = New(strconv.FormatInt(v, 10), "", "")
	case uint:
		c = New(strconv.FormatUint(uint64(v), 10), "", "")
	case uint32:
		c = New(strconv.FormatUint(uint64(v), 10), "", "")
	case uint64:
		c = New(strconv.FormatUint(v, 10), "", "")
	default:
		return model.Consumer{}, false
	}
	if c.Identifier == "" {
		return model.Consumer{}, false
	}
	return c, true
}

// Registry tracks the latest known name and group per consumer identifier
// and which identifiers changed since the last Drain.
type Registry struct {
	mu        sync.Mutex
	consumers map[string]model.Consumer
	updated   map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		consumers: make(map[string]model.Consumer),
		updated:   make(map[string]struct{}),
	}
}

// Upsert merges c into the registry. Consumers with neither name nor group
// are ignored, and empty incoming fields never erase stored values.
func (r *Registry) Upsert(c model.Consumer) {
	if c.Identifier == "" || (c.Name == "" && c.Group == "") {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.consumers[c.Identifier]
	if !ok {
		r.consumers[c.Identifier] = c
		r.updated[c.Identifier] = struct{}{}
		return
	}

	changed := false
	if c.Name != "" && c.Name != existing.Name {
		existing.Name = c.Name
		changed = true
	}
	if c.Group != "" && c.Group != existing.Group {
		existing.Group = c.Group
		changed = true
	}
	if changed {
		r.consumers[c.Identifier] = existing
		r.updated[c.Identifier] = struct{}{}
	}
}

// Drain returns current values for all identifiers changed since the last
// Drain. Identifiers stay known so unchanged re-upserts are not re-sent.
func (r *Registry) Drain() []model.Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Consumer, 0, len(r.updated))
	for identifier := range r.updated {
		if c, ok := r.consumers[identifier]; ok {
			out = append(out, c)
		}
	}
	r.updated = make(map[string]struct{})
	return out
}
