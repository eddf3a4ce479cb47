// Package schemasassets provides embedded JSON schemas so validation works
// from any working directory and in installed binaries.
package schemasassets

import _ "embed"

// PipelineManifestSchema is the embedded pipeline-manifest JSON schema.
//
//go:embed pipeline-manifest.schema.json
var PipelineManifestSchema []byte
