// Package server hosts the Fiber HTTP service that fronts the web application.
// It owns the request middleware chain (request IDs, origin resolution, the
// /-/ bypass for diagnostics) and the shared upstream http.Client. Proxy and
// route packages receive explicit dependencies through AppOptions.
package server
