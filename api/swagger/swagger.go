package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Continuation API",
        "description": "Term continuation workflow service for music schools",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Authentication", "description": "Login and token lifecycle"},
        {"name": "Continuation", "description": "Staff-facing run lifecycle"},
        {"name": "Respond", "description": "Guardian response intake"},
        {"name": "Exports", "description": "Background run exports"}
    ],
    "paths": {
        "/auth/login": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Authenticate user",
                "responses": {
                    "200": {"description": "Tokens issued"},
                    "401": {"description": "Invalid credentials"}
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Refresh access token",
                "responses": {
                    "200": {"description": "Tokens rotated"}
                }
            }
        },
        "/continuation/runs": {
            "post": {
                "tags": ["Continuation"],
                "summary": "Create a continuation run",
                "responses": {
                    "201": {"description": "Draft run with preview"},
                    "400": {"description": "Term order invalid"}
                }
            },
            "get": {
                "tags": ["Continuation"],
                "summary": "List continuation runs",
                "responses": {
                    "200": {"description": "Runs with pagination"}
                }
            }
        },
        "/continuation/runs/{id}": {
            "get": {
                "tags": ["Continuation"],
                "summary": "Get run detail with live summary",
                "responses": {
                    "200": {"description": "Run detail"},
                    "404": {"description": "Run not found"}
                }
            }
        },
        "/continuation/runs/{id}/responses": {
            "get": {
                "tags": ["Continuation"],
                "summary": "List run ledger entries",
                "responses": {
                    "200": {"description": "Ledger entries"}
                }
            }
        },
        "/continuation/runs/{id}/send": {
            "post": {
                "tags": ["Continuation"],
                "summary": "Dispatch initial continuation notices",
                "responses": {
                    "200": {"description": "Dispatch outcome"},
                    "409": {"description": "Run already sent"}
                }
            }
        },
        "/continuation/runs/{id}/remind": {
            "post": {
                "tags": ["Continuation"],
                "summary": "Dispatch reminders to pending families",
                "responses": {
                    "200": {"description": "Dispatch outcome"},
                    "409": {"description": "Run not accepting reminders"}
                }
            }
        },
        "/continuation/runs/{id}/deadline": {
            "post": {
                "tags": ["Continuation"],
                "summary": "Close the response window",
                "responses": {
                    "200": {"description": "Reclassification outcome"},
                    "412": {"description": "Deadline not reached"}
                }
            }
        },
        "/continuation/runs/{id}/process": {
            "post": {
                "tags": ["Continuation"],
                "summary": "Apply continuation decisions in bulk",
                "responses": {
                    "200": {"description": "Processing outcome"},
                    "409": {"description": "Deadline not processed yet"}
                }
            }
        },
        "/continuation/responses/{id}/override": {
            "post": {
                "tags": ["Continuation"],
                "summary": "Override a family's recorded response",
                "responses": {
                    "200": {"description": "Updated entry"},
                    "409": {"description": "Entry already processed"}
                }
            }
        },
        "/respond": {
            "post": {
                "tags": ["Respond"],
                "summary": "Record a decision from an emailed link",
                "responses": {
                    "200": {"description": "Decision recorded or already responded"},
                    "401": {"description": "Token invalid"},
                    "410": {"description": "Token expired or window closed"}
                }
            }
        },
        "/portal/continuation": {
            "get": {
                "tags": ["Respond"],
                "summary": "List pending continuation requests for the guardian",
                "responses": {
                    "200": {"description": "Pending entries"}
                }
            }
        },
        "/portal/continuation/respond": {
            "post": {
                "tags": ["Respond"],
                "summary": "Record a decision from the guardian portal",
                "responses": {
                    "200": {"description": "Decision recorded or already responded"},
                    "403": {"description": "Entry belongs to another guardian"}
                }
            }
        },
        "/continuation/exports": {
            "post": {
                "tags": ["Exports"],
                "summary": "Queue a run export",
                "responses": {
                    "202": {"description": "Job queued"}
                }
            }
        },
        "/continuation/exports/{id}": {
            "get": {
                "tags": ["Exports"],
                "summary": "Get export job status",
                "responses": {
                    "200": {"description": "Job state"}
                }
            }
        },
        "/continuation/exports/download/{token}": {
            "get": {
                "tags": ["Exports"],
                "summary": "Download a finished export via signed token",
                "responses": {
                    "200": {"description": "File stream"},
                    "410": {"description": "Link expired"}
                }
            }
        }
    },
    "definitions": {
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
