// Package bruin is an event-driven HTTP/1.x server core built around a
// per-worker reactor loop. Each worker owns an OS-level poller and a
// connection table; requests are parsed incrementally, handed to a
// WSGI-style application callable, and the response body is streamed
// back under a backpressure ceiling so slow peers never inflate memory.
//
// Throughput scales by running multiple worker replicas over a shared
// listening socket; within a worker, application calls are strictly
// sequential.
package bruin
