// Package types defines the JSON error body the proxy writes when it
// answers a request itself instead of relaying a backend response.
//
// Every locally generated error has the same shape:
//
//	{
//	  "error": {
//	    "message": "no route matches example.com/missing",
//	    "type": "not_found",
//	    "code": "no_route"
//	  }
//	}
//
// The type determines the HTTP status (see ErrorDetail.HTTPStatusCode); the
// code narrows the cause for clients and dashboards.
package types
