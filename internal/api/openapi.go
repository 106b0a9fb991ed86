package api

import (
	"fmt"

	"github.com/mattjoyce/conduit/internal/control"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the API, with one
// trigger path per configured project.
func buildOpenAPIDoc(projects []control.ProjectInfo) map[string]any {
	paths := map[string]any{
		"/pipelines": map[string]any{
			"get": operation("listPipelines", "List pipeline runs", "pipelines", map[string]string{
				"200": "Pipeline runs, newest first",
			}, queryParam("project"), queryParam("ref"), queryParam("status"), queryParam("limit")),
		},
		"/pipelines/{id}": map[string]any{
			"get": operation("getPipeline", "Get a pipeline run with its jobs", "pipelines", map[string]string{
				"200": "Pipeline run",
				"404": "Unknown pipeline",
			}, pathParam("id")),
		},
		"/pipelines/{id}/jobs/{job}/play": map[string]any{
			"post": operation("playJob", "Play a manual job", "pipelines", map[string]string{
				"202": "Job started",
				"404": "Unknown pipeline or job",
				"409": "Job is not waiting to be played",
			}, pathParam("id"), pathParam("job")),
		},
		"/pipelines/{id}/cancel": map[string]any{
			"post": operation("cancelPipeline", "Cancel a running pipeline", "pipelines", map[string]string{
				"202": "Cancel requested",
				"404": "Unknown pipeline",
				"409": "Pipeline already finished",
			}, pathParam("id")),
		},
	}

	for _, p := range projects {
		paths[fmt.Sprintf("/projects/%s/pipelines", p.Name)] = map[string]any{
			"post": withBody(operation("trigger__"+p.Name, fmt.Sprintf("Trigger %s", describe(p)), p.Name, map[string]string{
				"201": "Pipeline created",
				"200": "Filtered by workflow rules",
				"400": "Bad request",
			})),
		}
		paths[fmt.Sprintf("/projects/%s/plan", p.Name)] = map[string]any{
			"post": withBody(operation("plan__"+p.Name, fmt.Sprintf("Dry-run %s", describe(p)), p.Name, map[string]string{
				"200": "Planned job graph",
				"400": "Bad request",
			})),
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Conduit",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"schemas": map[string]any{
				"TriggerRequest": triggerSchema(),
			},
		},
		"security": []any{map[string]any{"BearerAuth": []string{}}},
	}
}

func describe(p control.ProjectInfo) string {
	if p.Pipeline != "" && p.Pipeline != p.Name {
		return fmt.Sprintf("%s (%s)", p.Name, p.Pipeline)
	}
	return p.Name
}

func operation(id, summary, tag string, responses map[string]string, params ...map[string]any) map[string]any {
	resp := make(map[string]any, len(responses))
	for code, desc := range responses {
		resp[code] = map[string]any{"description": desc}
	}
	resp["401"] = map[string]any{"description": "Unauthorized"}
	op := map[string]any{
		"operationId": id,
		"summary":     summary,
		"tags":        []string{tag},
		"responses":   resp,
	}
	if len(params) > 0 {
		op["parameters"] = params
	}
	return op
}

func withBody(op map[string]any) map[string]any {
	op["requestBody"] = map[string]any{
		"required": false,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"$ref": "#/components/schemas/TriggerRequest"},
			},
		},
	}
	return op
}

func pathParam(name string) map[string]any {
	return map[string]any{"name": name, "in": "path", "required": true, "schema": map[string]any{"type": "string"}}
}

func queryParam(name string) map[string]any {
	return map[string]any{"name": name, "in": "query", "required": false, "schema": map[string]any{"type": "string"}}
}

func triggerSchema() map[string]any {
	str := map[string]any{"type": "string"}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"source": map[string]any{
				"type": "string",
				"enum": []string{"push", "merge_request_event", "schedule", "web", "api", "trigger"},
			},
			"branch":         str,
			"tag":            str,
			"commit_sha":     str,
			"commit_message": str,
			"commit_author":  str,
			"changed_files":  map[string]any{"type": "array", "items": str},
			"variables": map[string]any{
				"type":                 "object",
				"additionalProperties": str,
			},
			"ignore_workflow": map[string]any{"type": "boolean"},
		},
	}
}
