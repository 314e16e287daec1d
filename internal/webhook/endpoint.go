// Package webhook receives push notifications from media servers and
// trackers, authenticates them per service and turns completed events into
// items.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type Service string

const (
	ServicePlex         Service = "plex"
	ServiceJellyfin     Service = "jellyfin"
	ServiceTrakt        Service = "trakt"
	ServiceListenBrainz Service = "listenbrainz"
	ServiceGeneric      Service = "generic"
)

func Services() []Service {
	return []Service{ServicePlex, ServiceJellyfin, ServiceTrakt, ServiceListenBrainz, ServiceGeneric}
}

type AuthType string

const (
	AuthNone  AuthType = "none"
	AuthToken AuthType = "token"
	AuthHMAC  AuthType = "hmac"
	AuthBasic AuthType = "basic"
)

func (a AuthType) valid() bool {
	switch a {
	case AuthNone, AuthToken, AuthHMAC, AuthBasic:
		return true
	}
	return false
}

type ContentType string

const (
	ContentJSON      ContentType = "json"
	ContentMultipart ContentType = "multipart"
	ContentForm      ContentType = "form"
)

const (
	defaultTokenHeader     = "X-Webhook-Token"
	defaultSignatureHeader = "X-Webhook-Signature"
)

var ErrUnknownService = errors.New("unknown webhook service")

type Endpoint struct {
	Service         Service
	Auth            AuthType
	ContentType     ContentType
	TokenHeader     string
	SignatureHeader string
	BasicUser       string
	BasicPassword   string
	AutoPost        bool
	Enabled         bool
	schema          *jsonschema.Schema
}

var endpointSchemas = map[Service]string{
	ServicePlex: `{
		"type": "object",
		"required": ["event"],
		"properties": {"event": {"type": "string"}, "Metadata": {"type": "object"}}
	}`,
	ServiceJellyfin: `{
		"type": "object",
		"required": ["NotificationType"],
		"properties": {"NotificationType": {"type": "string"}}
	}`,
	ServiceTrakt: `{
		"type": "object",
		"required": ["action"],
		"properties": {"action": {"type": "string"}}
	}`,
	ServiceListenBrainz: `{
		"type": "object",
		"required": ["listen_type", "payload"],
		"properties": {
			"listen_type": {"type": "string"},
			"payload": {"type": "array", "items": {"type": "object"}}
		}
	}`,
}

// DefaultEndpoints returns one endpoint per service with its built-in auth
// strategy and payload encoding.
func DefaultEndpoints(autoPost bool) ([]Endpoint, error) {
	endpoints := []Endpoint{
		{Service: ServicePlex, Auth: AuthToken, ContentType: ContentMultipart},
		{Service: ServiceJellyfin, Auth: AuthToken, ContentType: ContentJSON},
		{Service: ServiceTrakt, Auth: AuthNone, ContentType: ContentJSON},
		{Service: ServiceListenBrainz, Auth: AuthToken, ContentType: ContentJSON},
		{Service: ServiceGeneric, Auth: AuthToken, ContentType: ContentJSON},
	}
	for i := range endpoints {
		endpoints[i].AutoPost = autoPost
		endpoints[i].Enabled = true
		endpoints[i].TokenHeader = defaultTokenHeader
		endpoints[i].SignatureHeader = defaultSignatureHeader
		if raw, ok := endpointSchemas[endpoints[i].Service]; ok {
			schema, err := compileSchema(string(endpoints[i].Service), raw)
			if err != nil {
				return nil, err
			}
			endpoints[i].schema = schema
		}
	}
	return endpoints, nil
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	loc := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	schema, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return schema, nil
}

// Registry is the set of endpoints this process serves. Settings can be
// reapplied at runtime.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[Service]Endpoint
	defaults  map[Service]Endpoint
}

func NewRegistry(endpoints ...Endpoint) *Registry {
	r := &Registry{endpoints: map[Service]Endpoint{}, defaults: map[Service]Endpoint{}}
	for _, ep := range endpoints {
		r.endpoints[ep.Service] = ep
		r.defaults[ep.Service] = ep
	}
	return r
}

func (r *Registry) Lookup(service string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[Service(strings.ToLower(strings.TrimSpace(service)))]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return ep, nil
}

func (r *Registry) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// EndpointSettings overrides the built-in endpoint configuration. Nil fields
// keep the default.
type EndpointSettings struct {
	Auth          *AuthType `json:"auth,omitempty"`
	AutoPost      *bool     `json:"autoPost,omitempty"`
	Enabled       *bool     `json:"enabled,omitempty"`
	TokenHeader   string    `json:"tokenHeader,omitempty"`
	BasicUser     string    `json:"basicUser,omitempty"`
	BasicPassword string    `json:"basicPassword,omitempty"`
}

type Settings struct {
	Endpoints map[Service]EndpointSettings `json:"endpoints"`
}

// LoadSettings reads a settings file. A missing file yields empty settings.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode webhook settings %s: %w", path, err)
	}
	return s, nil
}

// Apply replaces every endpoint with its default plus the given overrides.
// Invalid settings leave the registry unchanged.
func (r *Registry) Apply(s Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[Service]Endpoint, len(r.defaults))
	for service, ep := range r.defaults {
		next[service] = ep
	}
	for service, o := range s.Endpoints {
		ep, ok := next[service]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownService, service)
		}
		if o.Auth != nil {
			if !o.Auth.valid() {
				return fmt.Errorf("webhook %s: unsupported auth type %q", service, *o.Auth)
			}
			ep.Auth = *o.Auth
		}
		if o.AutoPost != nil {
			ep.AutoPost = *o.AutoPost
		}
		if o.Enabled != nil {
			ep.Enabled = *o.Enabled
		}
		if o.TokenHeader != "" {
			ep.TokenHeader = o.TokenHeader
		}
		ep.BasicUser = o.BasicUser
		ep.BasicPassword = o.BasicPassword
		next[service] = ep
	}
	r.endpoints = next
	return nil
}
