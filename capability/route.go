// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import "strings"

// routeKind enumerates every addressable node in the synthetic
// namespace. Routing is an exhaustive switch over parsed kinds, never
// a string fallthrough.
type routeKind int

const (
	routeInvalid routeKind = iota
	routeRoot
	routeNew
	routePolicy
	routeUsage
	routeProviders
	routeProvider
	routeProviderInfo
	routeProviderModels
	routeJobs
	routeJob
	routeJobStatus
	routeJobResult
	routeJobStream
)

// route is a parsed namespace path. providerID and jobID are set only
// for the kinds that carry them.
type route struct {
	kind       routeKind
	providerID string
	jobID      string
}

// parseRoute matches a slash-separated path structurally against the
// namespace grammar:
//
//	new | policy | usage
//	providers[/{id}[/info|models]]
//	jobs/{id}/{status|result|stream}
//
// Leading and trailing slashes are ignored. Returns ok=false for any
// path outside the grammar.
func parseRoute(path string) (route, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return route{kind: routeRoot}, true
	}

	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "new":
		if len(parts) == 1 {
			return route{kind: routeNew}, true
		}
	case "policy":
		if len(parts) == 1 {
			return route{kind: routePolicy}, true
		}
	case "usage":
		if len(parts) == 1 {
			return route{kind: routeUsage}, true
		}
	case "providers":
		switch len(parts) {
		case 1:
			return route{kind: routeProviders}, true
		case 2:
			if parts[1] != "" {
				return route{kind: routeProvider, providerID: parts[1]}, true
			}
		case 3:
			if parts[1] == "" {
				break
			}
			switch parts[2] {
			case "info":
				return route{kind: routeProviderInfo, providerID: parts[1]}, true
			case "models":
				return route{kind: routeProviderModels, providerID: parts[1]}, true
			}
		}
	case "jobs":
		switch len(parts) {
		case 1:
			return route{kind: routeJobs}, true
		case 2:
			if parts[1] != "" {
				return route{kind: routeJob, jobID: parts[1]}, true
			}
		case 3:
			if parts[1] == "" {
				break
			}
			switch parts[2] {
			case "status":
				return route{kind: routeJobStatus, jobID: parts[1]}, true
			case "result":
				return route{kind: routeJobResult, jobID: parts[1]}, true
			case "stream":
				return route{kind: routeJobStream, jobID: parts[1]}, true
			}
		}
	}
	return route{}, false
}
