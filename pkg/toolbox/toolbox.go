package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

var ErrUnknownTool = errors.New("unknown tool")

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Tool is a Go function the model may call. Its parameters are described by the JSON schema of
// the function's argument struct.
type Tool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema

	fn      reflect.Value
	argType reflect.Type
	withCtx bool
}

// Toolbox holds the tools offered to the model, in registration order.
type Toolbox struct {
	tools     map[string]*Tool
	names     []string
	reflector *jsonschema.Reflector
}

func New() *Toolbox {
	return &Toolbox{
		tools: map[string]*Tool{},
		reflector: &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		},
	}
}

// Register adds fn as a tool. fn must look like func([ctx context.Context,] args T) (R, error)
// with T a struct. Registering a name again replaces the tool.
func (tb *Toolbox) Register(name string, description string, fn interface{}) error {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return errors.Errorf("tool %s is not a function", name)
	}

	withCtx := t.NumIn() == 2 && t.In(0) == contextType
	argIndex := 0
	if withCtx {
		argIndex = 1
	}
	if t.NumIn() != argIndex+1 || t.In(argIndex).Kind() != reflect.Struct {
		return errors.Errorf("tool %s must take a single struct argument after an optional context", name)
	}
	if t.NumOut() != 2 || t.Out(1) != errorType {
		return errors.Errorf("tool %s must return a result and an error", name)
	}

	argType := t.In(argIndex)
	schema := tb.reflector.ReflectFromType(argType)
	if description == "" {
		description = schema.Description
	}

	if _, ok := tb.tools[name]; !ok {
		tb.names = append(tb.names, name)
	}
	tb.tools[name] = &Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		fn:          v,
		argType:     argType,
		withCtx:     withCtx,
	}
	return nil
}

func (tb *Toolbox) Has(name string) bool {
	_, ok := tb.tools[name]
	return ok
}

func (tb *Toolbox) Names() []string {
	return append([]string(nil), tb.names...)
}

func (tb *Toolbox) Len() int {
	return len(tb.names)
}

// Execute decodes input into the tool's argument struct, calls it and returns its JSON encoded
// result. A panicking tool is reported as an error.
func (tb *Toolbox) Execute(ctx context.Context, name string, input json.RawMessage) (ret json.RawMessage, err error) {
	tool, ok := tb.tools[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTool, "execute %s", name)
	}

	arg := reflect.New(tool.argType)
	if len(input) > 0 && string(input) != "null" {
		if err := json.Unmarshal(input, arg.Interface()); err != nil {
			return nil, errors.Wrapf(err, "invalid arguments for tool %s", name)
		}
	}

	args := make([]reflect.Value, 0, 2)
	if tool.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, arg.Elem())

	defer func() {
		if r := recover(); r != nil {
			ret = nil
			err = errors.Errorf("tool %s panicked: %v", name, r)
		}
	}()
	out := tool.fn.Call(args)
	if e, _ := out[1].Interface().(error); e != nil {
		return nil, e
	}
	b, err := json.Marshal(out[0].Interface())
	if err != nil {
		return nil, errors.Wrapf(err, "could not encode result of tool %s", name)
	}
	return b, nil
}

// OpenAITools describes the tools for a chat completion request.
func (tb *Toolbox) OpenAITools() []go_openai.Tool {
	ret := make([]go_openai.Tool, 0, len(tb.names))
	for _, name := range tb.names {
		tool := tb.tools[name]
		ret = append(ret, go_openai.Tool{
			Type: go_openai.ToolTypeFunction,
			Function: &go_openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return ret
}

func (t *Tool) String() string {
	return fmt.Sprintf("%s(%s)", t.Name, t.argType.Name())
}
