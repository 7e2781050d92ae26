package news

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	jsref "github.com/invopop/jsonschema"
	"github.com/qri-io/jsonschema"
)

// SchemaValidationError reports that a JSON document did not match the schema it was checked
// against. Errs lists one entry per violation.
type SchemaValidationError struct {
	Subject string
	Errs    []string
}

type aggregateNewsArgs struct {
	Message map[string]any `json:"message,omitempty" jsonschema:"description=Free-form request details such as the topic of interest"`
}

var (
	aggregateNewsInputSchema = reflectSchema(new(aggregateNewsArgs), true)
	aggregateNewsArgsSchema  = compileSchema(aggregateNewsInputSchema)

	articlesSchema = compileSchema(reflectSchema([]Article{}, true))
)

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("%s does not match schema: %s", e.Subject, strings.Join(e.Errs, "; "))
}

// reflectSchema derives a JSON schema from the Go type of v, with every definition inlined.
func reflectSchema(v any, allowAdditional bool) json.RawMessage {
	r := jsref.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	schema := r.Reflect(v)
	// The compiled validator and MCP clients only need the structural keywords.
	schema.Version = ""
	schema.ID = ""

	bs, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("news: failed to marshal reflected schema: %v", err))
	}
	return bs
}

func compileSchema(raw json.RawMessage) *jsonschema.Schema {
	return jsonschema.Must(string(raw))
}

// validate checks data against schema and returns a *SchemaValidationError naming subject on
// mismatch. Data that is not JSON at all is reported the same way.
func validate(ctx context.Context, schema *jsonschema.Schema, subject string, data []byte) error {
	keyErrs, err := schema.ValidateBytes(ctx, data)
	if err != nil {
		return &SchemaValidationError{Subject: subject, Errs: []string{fmt.Sprintf("invalid JSON: %s", err)}}
	}
	if len(keyErrs) == 0 {
		return nil
	}

	errs := make([]string, 0, len(keyErrs))
	for _, ke := range keyErrs {
		path := ke.PropertyPath
		if path == "" {
			path = "/"
		}
		errs = append(errs, fmt.Sprintf("%s: %s", path, ke.Message))
	}
	return &SchemaValidationError{Subject: subject, Errs: errs}
}

// ParseArticles decodes a model response into articles. A Markdown code fence around the JSON
// is removed first, and the document must be an array of objects carrying title, source, url
// and content.
func ParseArticles(ctx context.Context, text string) ([]Article, error) {
	data := []byte(stripCodeFence(text))
	if err := validate(ctx, articlesSchema, "model output", data); err != nil {
		return nil, err
	}

	var articles []Article
	if err := json.Unmarshal(data, &articles); err != nil {
		return nil, &SchemaValidationError{Subject: "model output", Errs: []string{err.Error()}}
	}
	return articles, nil
}
