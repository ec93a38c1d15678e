package cmds

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/go-go-golems/branchchat/pkg/toolbox"
	"github.com/pkg/errors"
)

type CurrentTimeRequest struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone such as Europe/Paris, defaults to local time"`
}

type CurrentTimeResult struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
}

func currentTime(req CurrentTimeRequest) (CurrentTimeResult, error) {
	loc := time.Local
	if req.Timezone != "" {
		l, err := time.LoadLocation(req.Timezone)
		if err != nil {
			return CurrentTimeResult{}, err
		}
		loc = l
	}
	now := time.Now().In(loc)
	return CurrentTimeResult{Time: now.Format(time.RFC3339), Timezone: loc.String()}, nil
}

type ReadFileRequest struct {
	Path     string `json:"path" jsonschema:"description=Path of the file to read"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Read at most this many bytes (default 16384)"`
}

type ReadFileResult struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

func readFile(ctx context.Context, req ReadFileRequest) (ReadFileResult, error) {
	if err := ctx.Err(); err != nil {
		return ReadFileResult{}, err
	}
	limit := req.MaxBytes
	if limit <= 0 {
		limit = 16 * 1024
	}
	b, err := os.ReadFile(req.Path)
	if err != nil {
		return ReadFileResult{}, err
	}
	if len(b) > limit {
		return ReadFileResult{Content: string(b[:limit]), Truncated: true}, nil
	}
	return ReadFileResult{Content: string(b)}, nil
}

type builtinTool struct {
	description string
	fn          interface{}
}

var builtinTools = map[string]builtinTool{
	"current_time": {"Get the current date and time", currentTime},
	"read_file":    {"Read a local text file", readFile},
}

// NewToolbox registers the named builtin tools.
func NewToolbox(names []string) (*toolbox.Toolbox, error) {
	box := toolbox.New()
	for _, name := range names {
		t, ok := builtinTools[name]
		if !ok {
			known := make([]string, 0, len(builtinTools))
			for k := range builtinTools {
				known = append(known, k)
			}
			sort.Strings(known)
			return nil, errors.Errorf("unknown tool %q, available: %v", name, known)
		}
		if err := box.Register(name, t.description, t.fn); err != nil {
			return nil, err
		}
	}
	return box, nil
}
