package transport

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var ErrFixtureExhausted = errors.New("no fixture script left for request")

// Script is the scripted answer to one request.
type Script struct {
	Name      string
	Fragments []events.Fragment
	// Hold keeps the stream open after the last fragment until the request is cancelled.
	Hold bool
	// Err fails the request before any fragment is streamed.
	Err error
}

// FixtureScript is the YAML form of a Script. Fragments are written in their wire shape.
type FixtureScript struct {
	Name      string                   `yaml:"name"`
	Fragments []map[string]interface{} `yaml:"fragments"`
	Hold      bool                     `yaml:"hold,omitempty"`
	Error     string                   `yaml:"error,omitempty"`
}

func (fs *FixtureScript) Decode() (Script, error) {
	ret := Script{Name: fs.Name, Hold: fs.Hold}
	if fs.Error != "" {
		ret.Err = errors.New(fs.Error)
	}
	for i, raw := range fs.Fragments {
		b, err := json.Marshal(raw)
		if err != nil {
			return Script{}, errors.Wrapf(err, "script %s fragment %d", fs.Name, i)
		}
		f, err := events.NewFragmentFromJSON(b)
		if err != nil {
			return Script{}, errors.Wrapf(err, "script %s fragment %d", fs.Name, i)
		}
		ret.Fragments = append(ret.Fragments, f)
	}
	return ret, nil
}

// FixtureFile is a file holding the scripted answers of a session.
type FixtureFile struct {
	Scripts []FixtureScript `yaml:"scripts"`
}

func LoadFixtureScripts(filename string) ([]Script, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var ff FixtureFile
	if err := yaml.Unmarshal(b, &ff); err != nil {
		return nil, errors.Wrapf(err, "could not parse fixture %s", filename)
	}
	ret := make([]Script, 0, len(ff.Scripts))
	for i := range ff.Scripts {
		s, err := ff.Scripts[i].Decode()
		if err != nil {
			return nil, err
		}
		ret = append(ret, s)
	}
	return ret, nil
}

// FixtureTransport answers each request with the next script and records what it was sent.
type FixtureTransport struct {
	mu       sync.Mutex
	scripts  []Script
	next     int
	requests []*SendRequest
}

func NewFixtureTransport(scripts ...Script) *FixtureTransport {
	return &FixtureTransport{scripts: scripts}
}

func (f *FixtureTransport) AddScripts(scripts ...Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, scripts...)
}

func (f *FixtureTransport) Send(ctx context.Context, req *SendRequest) (FragmentStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, clone.Clone(req).(*SendRequest))
	if f.next >= len(f.scripts) {
		return nil, ErrFixtureExhausted
	}
	script := f.scripts[f.next]
	f.next++

	log.Debug().
		Str("script", script.Name).
		Str("trigger", string(req.Trigger)).
		Int("fragments", len(script.Fragments)).
		Msg("replaying fixture script")

	if script.Err != nil {
		return nil, script.Err
	}
	return NewSliceStream(ctx, script.Fragments, script.Hold), nil
}

// Requests returns the requests received so far.
func (f *FixtureTransport) Requests() []*SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	ret := make([]*SendRequest, len(f.requests))
	copy(ret, f.requests)
	return ret
}

// Remaining is the number of scripts not yet played.
func (f *FixtureTransport) Remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scripts) - f.next
}

var _ Transport = (*FixtureTransport)(nil)
