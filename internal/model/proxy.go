// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
	"time"
)

// ProxyRequest is an inbound request matched by the proxy prefix.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawPath       string // encoded form of Path, empty when the default encoding applies
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown
}

// OutboundRequest is the request sent to the upstream after the path has been
// rewritten and the headers sanitized.
type OutboundRequest struct {
	Method        string
	InboundPath   string
	Path          string
	RawPath       string
	RawQuery      string
	Header        http.Header
	Body          io.Reader
	ContentLength int64
	Started       time.Time
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
