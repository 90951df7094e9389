package analyses

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/chunk_result.json
var schemaFS embed.FS

const chunkSchemaURL = "chunk_result.json"

var (
	schemaOnce    sync.Once
	partialSchema *jsonschema.Schema
	wholeSchema   *jsonschema.Schema
	schemaErr     error
)

// loadSchemas compiles the chunk schema twice: as is for page-range chunks,
// and with overallScore required for whole documents.
func loadSchemas() (partial, whole *jsonschema.Schema, err error) {
	schemaOnce.Do(func() {
		raw, err := schemaFS.ReadFile("schemas/chunk_result.json")
		if err != nil {
			schemaErr = fmt.Errorf("read schema: %w", err)
			return
		}
		partialSchema, schemaErr = compileSchema(chunkSchemaURL, raw)
		if schemaErr != nil {
			return
		}

		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			schemaErr = fmt.Errorf("decode schema: %w", err)
			return
		}
		doc["required"] = append([]any{"overallScore"}, doc["required"].([]any)...)
		wholeRaw, err := json.Marshal(doc)
		if err != nil {
			schemaErr = fmt.Errorf("encode schema: %w", err)
			return
		}
		wholeSchema, schemaErr = compileSchema("whole_"+chunkSchemaURL, wholeRaw)
	})
	return partialSchema, wholeSchema, schemaErr
}

func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateChunkPayload checks a normalized payload. whole selects the schema
// that requires overallScore.
func validateChunkPayload(payload map[string]any, whole bool) error {
	partial, wholeDoc, err := loadSchemas()
	if err != nil {
		return err
	}
	schema := partial
	if whole {
		schema = wholeDoc
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
