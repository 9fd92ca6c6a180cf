// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives for hioload-mtx: the bounded MPMC ring behind the
// dispatch queues and allocator free lists, and CPU pinning for the
// thread-per-reactor model.
package concurrency
