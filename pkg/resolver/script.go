package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/charsnap/pkg/logging"
)

// ScriptOptions configures a ScriptResolver.
type ScriptOptions struct {
	// URL of the script that embeds the subject list.
	URL string

	// StartMarker and EndMarker enclose the array literal in the script text.
	StartMarker string
	EndMarker   string

	// NameField and IDField are the keys read from each entry.
	NameField string
	IDField   string

	// RefreshInterval is how long a parsed list is reused. Zero fetches on
	// every call.
	RefreshInterval time.Duration

	Client *http.Client
	Logger *logging.Logger
}

// ScriptResolver finds a subject in an array literal embedded in a remote
// script.
type ScriptResolver struct {
	opts   ScriptOptions
	client *http.Client
	log    *logging.Logger
	now    func() time.Time

	mu        sync.Mutex
	entries   []map[string]any
	fetchedAt time.Time
}

// NewScriptResolver validates opts and creates a resolver.
func NewScriptResolver(opts ScriptOptions) (*ScriptResolver, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("resolver: script URL is required")
	}
	if opts.StartMarker == "" || opts.EndMarker == "" {
		return nil, fmt.Errorf("resolver: start and end markers are required")
	}
	if opts.NameField == "" {
		opts.NameField = "name"
	}
	if opts.IDField == "" {
		opts.IDField = "id"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard("resolver")
	}
	return &ScriptResolver{
		opts:   opts,
		client: defaultClient(opts.Client),
		log:    opts.Logger,
		now:    time.Now,
	}, nil
}

// Resolve implements Resolver.
func (r *ScriptResolver) Resolve(ctx context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty name", ErrNotFound)
	}
	entries, err := r.load(ctx)
	if err != nil {
		return "", err
	}

	for _, entry := range entries {
		if fieldString(entry[r.opts.NameField]) != name {
			continue
		}
		id := fieldString(entry[r.opts.IDField])
		if id == "" {
			r.log.Warnf("entry for %q has no %q field", name, r.opts.IDField)
			continue
		}
		return id, nil
	}
	return "", fmt.Errorf("%w: %q not in %d entries", ErrNotFound, name, len(entries))
}

func (r *ScriptResolver) load(ctx context.Context) ([]map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries != nil && r.opts.RefreshInterval > 0 && r.now().Sub(r.fetchedAt) < r.opts.RefreshInterval {
		return r.entries, nil
	}

	body, err := fetch(ctx, r.client, r.opts.URL)
	if err != nil {
		r.log.Warnf("fetch %s: %v", r.opts.URL, err)
		return nil, err
	}

	literal, err := extractArray(body, r.opts.StartMarker, r.opts.EndMarker)
	if err != nil {
		r.log.Warnf("extract subject list: %v", err)
		return nil, err
	}
	entries, err := parseEntries(literal)
	if err != nil {
		r.log.Warnf("parse subject list: %v", err)
		return nil, err
	}

	r.log.Debugf("loaded %d entries from %s", len(entries), r.opts.URL)
	r.entries = entries
	r.fetchedAt = r.now()
	return entries, nil
}

// extractArray returns the outermost [...] found between the markers.
func extractArray(text []byte, startMarker, endMarker string) ([]byte, error) {
	start := bytes.Index(text, []byte(startMarker))
	if start < 0 {
		return nil, fmt.Errorf("%w: start marker %q missing", ErrNotFound, startMarker)
	}
	rest := text[start+len(startMarker):]

	end := bytes.Index(rest, []byte(endMarker))
	if end < 0 {
		return nil, fmt.Errorf("%w: end marker %q missing", ErrNotFound, endMarker)
	}
	// The end marker may close the literal itself, as in "];".
	segment := rest[:end+len(endMarker)]

	lo := bytes.IndexByte(segment, '[')
	hi := bytes.LastIndexByte(segment, ']')
	if lo < 0 || hi < lo {
		return nil, fmt.Errorf("%w: no array literal between markers", ErrNotFound)
	}
	return segment[lo : hi+1], nil
}

// parseEntries decodes a JSON array, falling back to YAML flow syntax for
// literals with unquoted keys or single-quoted strings.
func parseEntries(literal []byte) ([]map[string]any, error) {
	var entries []map[string]any

	dec := json.NewDecoder(bytes.NewReader(literal))
	dec.UseNumber()
	jsonErr := dec.Decode(&entries)
	if jsonErr == nil {
		return entries, nil
	}

	entries = nil
	if yamlErr := yaml.Unmarshal(literal, &entries); yamlErr != nil {
		return nil, fmt.Errorf("%w: not JSON (%v) nor YAML (%v)", ErrNotFound, jsonErr, yamlErr)
	}
	return entries, nil
}

func fieldString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
